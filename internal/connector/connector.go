// Package connector owns the per-provider network peers. Each remote tool
// server gets exactly one Connector that lazily dials a WebSocket, serializes
// requests one at a time, matches replies by correlation ID, and reconnects
// once before surfacing an unavailability error.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonrepair"

	"toolgate/internal/logging"
	"toolgate/internal/shared/jsonx"
)

// State tracks a connector through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors callers map onto ErrorKind values.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrTimeout     = errors.New("provider call timed out")
	ErrClosed      = errors.New("connector closed")
	ErrMalformed   = errors.New("malformed provider reply")
)

// ProviderResult is the unpacked reply of one execute_tool_action exchange.
type ProviderResult struct {
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

// Options bound connection behaviour.
type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	Logger         logging.Logger
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultCallTimeout    = 120 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// outFrame is the request the gateway forwards to a provider.
type outFrame struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	ToolID     string         `json:"tool_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// inFrame is the provider's reply envelope.
type inFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    *ProviderResult `json:"result,omitempty"`
}

// Connector is the long-lived peer for one remote provider. The slot channel
// is a capacity-1 semaphore enforcing at most one in-flight request;
// concurrent callers queue on it and a cancelled caller releases immediately.
type Connector struct {
	endpoint string
	opts     Options

	slot chan struct{}

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	closed    chan struct{}
	closeOnce sync.Once

	logger logging.Logger
}

// New creates a connector. No connection is opened until the first call or
// probe.
func New(endpoint string, opts Options) *Connector {
	opts = opts.withDefaults()
	return &Connector{
		endpoint: normalizeEndpoint(endpoint),
		opts:     opts,
		slot:     make(chan struct{}, 1),
		state:    StateIdle,
		closed:   make(chan struct{}),
		logger:   opts.Logger,
	}
}

// Endpoint returns the normalized ws:// address.
func (c *Connector) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Call performs one serialized request/response exchange. Transient
// connection errors are retried exactly once with a fresh connection before
// ErrUnavailable surfaces; a deadline overrun surfaces ErrTimeout and leaves
// the connector degraded so the next call re-dials.
func (c *Connector) Call(ctx context.Context, toolID, action string, params map[string]any) (*ProviderResult, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
	defer func() { <-c.slot }()

	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	deadline := time.Now().Add(c.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	result, err := c.exchange(ctx, toolID, action, params, deadline)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || errors.Is(err, ErrMalformed) || ctx.Err() != nil {
		return nil, err
	}

	// Transient connection failure: reconnect once within the same call.
	c.dropConn(StateDegraded)
	result, err = c.exchange(ctx, toolID, action, params, deadline)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || errors.Is(err, ErrMalformed) {
		return nil, err
	}
	c.dropConn(StateFailed)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// exchange runs one attempt: ensure a connection, write the frame, read
// until the correlated reply arrives.
func (c *Connector) exchange(ctx context.Context, toolID, action string, params map[string]any, deadline time.Time) (*ProviderResult, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	frame := outFrame{
		Type:       "execute_tool_action",
		RequestID:  requestID,
		ToolID:     toolID,
		Action:     action,
		Parameters: params,
	}
	payload, err := jsonx.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isDeadlineErr(err) {
				c.dropConn(StateDegraded)
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("read: %w", err)
		}

		reply, err := decodeReply(data)
		if err != nil {
			// Malformed reply is fatal to this call, not to the connector:
			// drop the stream so the next call starts clean.
			c.dropConn(StateDegraded)
			return nil, err
		}

		// Providers may interleave pings on the same stream.
		if reply.Type == "ping" {
			pong, _ := jsonx.Marshal(map[string]string{"type": "pong", "request_id": reply.RequestID})
			_ = conn.WriteMessage(websocket.TextMessage, pong)
			continue
		}

		if reply.RequestID != requestID {
			// Correlation drift means the stream is desynchronized.
			c.dropConn(StateDegraded)
			return nil, fmt.Errorf("%w: correlation id %q, want %q", ErrMalformed, reply.RequestID, requestID)
		}

		if reply.Result != nil {
			return reply.Result, nil
		}
		if reply.Success != nil && !*reply.Success {
			return &ProviderResult{Success: false, ErrorMessage: reply.Error}, nil
		}
		return &ProviderResult{Success: true}, nil
	}
}

// decodeReply parses a provider frame, repairing sloppy JSON once before
// declaring it malformed.
func decodeReply(data []byte) (*inFrame, error) {
	var reply inFrame
	if err := jsonx.Unmarshal(data, &reply); err == nil {
		return &reply, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := jsonx.Unmarshal([]byte(repaired), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &reply, nil
}

// ensureConn dials lazily. Callers already hold the call slot, so no two
// dials race for the same connector.
func (c *Connector) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, c.endpoint, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Debug("connected to %s", c.endpoint)
	return conn, nil
}

// dropConn closes the underlying connection and records the next state.
func (c *Connector) dropConn(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.state != StateClosed {
		c.state = next
	}
}

// Reset drops the current connection so the next call dials fresh. Used by
// the health sweep on degraded providers.
func (c *Connector) Reset() {
	c.dropConn(StateIdle)
}

// Close stops accepting new calls and releases resources. The outstanding
// call, if any, observes a closed connection and fails.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		c.state = StateClosed
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.logger.Debug("connector closed: %s", c.endpoint)
	})
}

// Probe checks reachability: a dial that succeeds counts as reachable even
// when the provider never answers the ping (some do not implement it).
func Probe(ctx context.Context, endpoint string, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = defaultConnectTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: deadline}
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, normalizeEndpoint(endpoint), nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", endpoint, err)
	}
	defer conn.Close()

	ping, _ := jsonx.Marshal(map[string]string{"type": "ping", "request_id": uuid.NewString()})
	_ = conn.SetWriteDeadline(time.Now().Add(deadline))
	_ = conn.WriteMessage(websocket.TextMessage, ping)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, _ = conn.ReadMessage() // silence is fine
	return nil
}

func isDeadlineErr(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// normalizeEndpoint accepts host:port or a full URL and returns a ws URL.
func normalizeEndpoint(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if strings.HasPrefix(e, "ws://") || strings.HasPrefix(e, "wss://") {
		return e
	}
	if strings.HasPrefix(e, "http://") {
		return "ws://" + strings.TrimPrefix(e, "http://")
	}
	if strings.HasPrefix(e, "https://") {
		return "wss://" + strings.TrimPrefix(e, "https://")
	}
	return "ws://" + e
}
