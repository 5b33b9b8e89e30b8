// Package controlplane is the gateway's WebSocket ingress. Agents and tool
// providers connect here and exchange framed JSON messages; the same server
// code also runs inside spawned providers, where inbound execute_tool_action
// frames dispatch to locally registered action callbacks.
package controlplane

import (
	"context"

	"toolgate/internal/connector"
	"toolgate/internal/invoke"
	"toolgate/internal/registry"
)

// Frame types accepted on a control-plane connection.
const (
	TypeRegisterTool      = "register_tool"
	TypeListTools         = "list_tools"
	TypeGetToolByID       = "get_tool_by_id"
	TypeExecuteTool       = "execute_tool"
	TypeExecuteToolAction = "execute_tool_action"
	TypePing              = "ping"

	TypeAck           = "ack"
	TypeToolList      = "tool_list"
	TypeTool          = "tool"
	TypeExecuteResult = "execute_result"
	TypePong          = "pong"
	TypeError         = "error"
)

// Frame is the shared envelope for every control-plane message. Fields are
// populated per type; absent fields are omitted on the wire.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// register_tool
	ToolSpec *registry.WireDescriptor `json:"tool_spec,omitempty"`

	// get_tool_by_id / execute_tool / execute_tool_action
	ToolID     string         `json:"tool_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// replies
	Success    *bool                     `json:"success,omitempty"`
	Tool       *registry.WireDescriptor  `json:"tool,omitempty"`
	Tools      []registry.WireDescriptor `json:"tools,omitempty"`
	TotalCount int                       `json:"total_count,omitempty"`
	Result     *connector.ProviderResult `json:"result,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func errorFrame(requestID, errType, msg string) Frame {
	return Frame{
		Type:      TypeError,
		RequestID: requestID,
		Success:   boolPtr(false),
		Error:     msg,
		ErrorType: errType,
	}
}

// resultToWire flattens an invocation result into the provider reply shape.
func resultToWire(res invoke.Result) *connector.ProviderResult {
	out := &connector.ProviderResult{
		Success:      res.Success,
		Data:         res.Data,
		ErrorMessage: res.ErrorMessage,
	}
	if res.ErrorKind != "" {
		out.ErrorType = string(res.ErrorKind)
	}
	return out
}

// Dispatcher is the slice of the dispatch pipeline the server forwards to.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv invoke.Invocation) invoke.Result
}

// Registrar accepts descriptor registrations originating on the wire.
type Registrar interface {
	RegisterTool(desc registry.Descriptor) (registry.RegisterStatus, error)
}

// Directory is the read side of the registry used for list and get.
type Directory interface {
	Lookup(registryID string) (registry.Descriptor, bool)
	Enumerate(f registry.Filter) []registry.Descriptor
}

// ActionHandler serves one action when the server runs in provider mode.
type ActionHandler func(ctx context.Context, toolID string, params map[string]any) connector.ProviderResult
