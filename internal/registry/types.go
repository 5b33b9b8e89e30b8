package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"toolgate/internal/shared/jsonx"
)

// Kind distinguishes the two provider shapes the gateway routes to.
type Kind int

const (
	KindUnknown Kind = iota
	// KindLocalFunction is an in-process handler keyed by HandlerLocator.
	KindLocalFunction
	// KindRemoteServer is a long-running tool server reached over WebSocket.
	KindRemoteServer
)

func (k Kind) String() string {
	switch k {
	case KindLocalFunction:
		return "function"
	case KindRemoteServer:
		return "mcp_server"
	default:
		return "unknown"
	}
}

// KindFromString parses the wire tool_type values.
func KindFromString(s string) (Kind, error) {
	switch strings.TrimSpace(s) {
	case "function":
		return KindLocalFunction, nil
	case "mcp_server":
		return KindRemoteServer, nil
	default:
		return KindUnknown, fmt.Errorf("unknown tool type: %q", s)
	}
}

// Provenance records how a remote provider came to exist.
type Provenance int

const (
	// ProvenanceExternal means a pre-existing server someone else started.
	ProvenanceExternal Provenance = iota
	// ProvenanceSpawned means the gateway's process runner started it.
	ProvenanceSpawned
	// ProvenancePredefined means it came from the built-in provider table.
	ProvenancePredefined
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceSpawned:
		return "spawned"
	case ProvenancePredefined:
		return "predefined"
	default:
		return "external"
	}
}

// ProvenanceFromString parses persisted provenance values; unknown input
// falls back to external, the least privileged interpretation.
func ProvenanceFromString(s string) Provenance {
	switch strings.TrimSpace(s) {
	case "spawned":
		return ProvenanceSpawned
	case "predefined":
		return ProvenancePredefined
	default:
		return ProvenanceExternal
	}
}

// ParamSchema describes a single capability parameter.
type ParamSchema struct {
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Capability describes one named action a tool exposes.
type Capability struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]ParamSchema `json:"parameters,omitempty"`
	Examples    []string               `json:"examples,omitempty"`
}

// ConnectParams bound connection behaviour for a remote provider.
type ConnectParams struct {
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	CallTimeout    time.Duration `json:"call_timeout,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
}

// Descriptor is the canonical registry entry for one tool provider.
//
// Capabilities are never mutated in place; re-registration replaces the
// whole descriptor atomically.
type Descriptor struct {
	RegistryID  string
	DisplayName string
	Description string
	Kind        Kind

	Capabilities []Capability
	Tags         []string
	Enabled      bool

	// RemoteServer only.
	Endpoint   string
	Connect    ConnectParams
	Provenance Provenance

	// LocalFunction only.
	HandlerLocator string

	RegisteredAt time.Time
}

// Validate checks the structural rules a descriptor must satisfy before it
// can enter the registry.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.RegistryID) == "" {
		return fmt.Errorf("registry id is required")
	}
	switch d.Kind {
	case KindLocalFunction:
		if strings.TrimSpace(d.HandlerLocator) == "" {
			return fmt.Errorf("tool %s: handler locator is required for local functions", d.RegistryID)
		}
	case KindRemoteServer:
		if strings.TrimSpace(d.Endpoint) == "" {
			return fmt.Errorf("tool %s: endpoint is required for remote servers", d.RegistryID)
		}
	default:
		return fmt.Errorf("tool %s: unknown kind", d.RegistryID)
	}
	seen := make(map[string]bool, len(d.Capabilities))
	for _, cap := range d.Capabilities {
		if strings.TrimSpace(cap.Name) == "" {
			return fmt.Errorf("tool %s: capability with empty name", d.RegistryID)
		}
		if seen[cap.Name] {
			return fmt.Errorf("tool %s: duplicate capability %s", d.RegistryID, cap.Name)
		}
		seen[cap.Name] = true
	}
	return nil
}

// Capability returns the named capability, if present.
func (d Descriptor) Capability(name string) (Capability, bool) {
	for _, cap := range d.Capabilities {
		if cap.Name == name {
			return cap, true
		}
	}
	return Capability{}, false
}

// HasTag reports whether the descriptor carries the given tag.
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so registry snapshots never alias caller state.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Capabilities != nil {
		out.Capabilities = make([]Capability, len(d.Capabilities))
		for i, cap := range d.Capabilities {
			cc := cap
			if cap.Parameters != nil {
				cc.Parameters = make(map[string]ParamSchema, len(cap.Parameters))
				for k, v := range cap.Parameters {
					cc.Parameters[k] = v
				}
			}
			if cap.Examples != nil {
				cc.Examples = append([]string(nil), cap.Examples...)
			}
			out.Capabilities[i] = cc
		}
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	return out
}

// Equal compares everything except RegisteredAt, which is assigned by the
// registry on commit. Used to decide whether a re-registration is a no-op.
// JSON encoding gives a deterministic form (map keys are sorted).
func (d Descriptor) Equal(other Descriptor) bool {
	a, b := d.Clone(), other.Clone()
	a.RegisteredAt, b.RegisteredAt = time.Time{}, time.Time{}
	sort.Strings(a.Tags)
	sort.Strings(b.Tags)
	aj, err := jsonx.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := jsonx.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
