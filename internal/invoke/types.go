package invoke

import "time"

// ErrorKind classifies why an invocation failed. User-side kinds
// (ToolNotFound, ActionNotSupported, InvalidArgument, Disabled) are never
// retried; infrastructure kinds (ProviderUnavailable, Timeout) have already
// been retried once by the dispatcher before surfacing.
type ErrorKind string

const (
	ErrToolNotFound        ErrorKind = "tool_not_found"
	ErrActionNotSupported  ErrorKind = "action_not_supported"
	ErrInvalidArgument     ErrorKind = "invalid_argument"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrTimeout             ErrorKind = "timeout"
	ErrProviderError       ErrorKind = "provider_error"
	ErrInternal            ErrorKind = "internal_error"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrDisabled            ErrorKind = "disabled"
)

// Invocation is a single tool call as issued by an agent or operator.
// ToolID may be an agent-facing ID, a legacy alias, or a registry ID; the
// resolver decides which before dispatch.
type Invocation struct {
	ToolID        string         `json:"tool_id"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Result is the uniform outcome of a dispatch. Every layer of the gateway
// returns Result values; no error crosses a package boundary as a panic.
type Result struct {
	Success      bool           `json:"success"`
	Data         any            `json:"data,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Elapsed      time.Duration  `json:"elapsed_ns"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Ok builds a successful result.
func Ok(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result with the given kind and message.
func Fail(kind ErrorKind, message string) Result {
	return Result{Success: false, ErrorKind: kind, ErrorMessage: message}
}

// IsUserError reports whether the kind is a caller mistake rather than an
// infrastructure failure.
func (k ErrorKind) IsUserError() bool {
	switch k {
	case ErrToolNotFound, ErrActionNotSupported, ErrInvalidArgument, ErrDisabled:
		return true
	default:
		return false
	}
}

// KindFromWire maps a provider-reported error_type string onto an ErrorKind.
// Unknown strings become ProviderError per the error taxonomy.
func KindFromWire(s string) ErrorKind {
	switch ErrorKind(s) {
	case ErrToolNotFound, ErrActionNotSupported, ErrInvalidArgument,
		ErrProviderUnavailable, ErrTimeout, ErrProviderError,
		ErrInternal, ErrRateLimited, ErrDisabled:
		return ErrorKind(s)
	case "":
		return ErrProviderError
	default:
		return ErrProviderError
	}
}
