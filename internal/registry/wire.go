package registry

import (
	"fmt"
	"time"
)

// WireDescriptor is the serialized descriptor form shared by the
// control-plane protocol, the admin API, and the persisted event payloads.
type WireDescriptor struct {
	ToolID       string          `json:"tool_id"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	ToolType     string          `json:"tool_type"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Enabled      *bool           `json:"enabled,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Connection   *WireConnection `json:"connection_params,omitempty"`
	Handler      string          `json:"handler,omitempty"`
	RegisteredAt time.Time       `json:"registered_at,omitempty"`
}

// WireConnection carries remote connection settings in seconds, the unit
// providers speak on the wire.
type WireConnection struct {
	ConnectTimeoutSeconds float64 `json:"connect_timeout_seconds,omitempty"`
	CallTimeoutSeconds    float64 `json:"call_timeout_seconds,omitempty"`
	MaxRetries            int     `json:"max_retries,omitempty"`
}

// ToWire converts a descriptor into its serialized form.
func (d Descriptor) ToWire() WireDescriptor {
	c := d.Clone()
	enabled := c.Enabled
	w := WireDescriptor{
		ToolID:       c.RegistryID,
		Name:         c.DisplayName,
		Description:  c.Description,
		ToolType:     c.Kind.String(),
		Capabilities: c.Capabilities,
		Tags:         c.Tags,
		Enabled:      &enabled,
		Endpoint:     c.Endpoint,
		Handler:      c.HandlerLocator,
		RegisteredAt: c.RegisteredAt,
	}
	if c.Kind == KindRemoteServer {
		w.Connection = &WireConnection{
			ConnectTimeoutSeconds: c.Connect.ConnectTimeout.Seconds(),
			CallTimeoutSeconds:    c.Connect.CallTimeout.Seconds(),
			MaxRetries:            c.Connect.MaxRetries,
		}
	}
	return w
}

// FromWire converts a serialized descriptor back into the registry form.
// Enabled defaults to true when the field is absent.
func FromWire(w WireDescriptor) (Descriptor, error) {
	kind, err := KindFromString(w.ToolType)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		RegistryID:     w.ToolID,
		DisplayName:    w.Name,
		Description:    w.Description,
		Kind:           kind,
		Capabilities:   w.Capabilities,
		Tags:           w.Tags,
		Enabled:        true,
		Endpoint:       w.Endpoint,
		HandlerLocator: w.Handler,
		RegisteredAt:   w.RegisteredAt,
	}
	if w.Enabled != nil {
		d.Enabled = *w.Enabled
	}
	if w.Connection != nil {
		d.Connect = ConnectParams{
			ConnectTimeout: secondsToDuration(w.Connection.ConnectTimeoutSeconds),
			CallTimeout:    secondsToDuration(w.Connection.CallTimeoutSeconds),
			MaxRetries:     w.Connection.MaxRetries,
		}
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("invalid wire descriptor: %w", err)
	}
	return d.Clone(), nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
