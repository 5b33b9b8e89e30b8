package controlplane

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"toolgate/internal/async"
	"toolgate/internal/connector"
	"toolgate/internal/invoke"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/shared/jsonx"
)

// Role selects the server personality. Only the main gateway accepts
// registrations; a provider instance serves execute_tool_action callbacks.
type Role int

const (
	RoleGateway Role = iota
	RoleProvider
)

func (r Role) String() string {
	if r == RoleProvider {
		return "provider"
	}
	return "gateway"
}

const (
	sendQueueBound  = 256
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options wires a control-plane server.
type Options struct {
	Host string
	Port int
	// Path defaults to /ws.
	Path string
	Role Role

	Dispatcher Dispatcher
	Registrar  Registrar
	Directory  Directory
	Logger     logging.Logger
}

// Server accepts WebSocket connections and serves the framed protocol.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	logger   logging.Logger

	// baseCtx parents every dispatch; Shutdown cancels in-flight calls
	// through it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	actions  map[string]ActionHandler
	closed   bool
}

// NewServer builds a control-plane server. Start must be called to listen.
func NewServer(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logging.OrNop(opts.Logger),
		sessions: make(map[string]*session),
		actions:  make(map[string]ActionHandler),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: mux,
	}
	return s
}

// Handler exposes the upgrade endpoint for embedding in another server.
func (s *Server) Handler() http.HandlerFunc { return s.handleUpgrade }

// RegisterAction installs a provider-mode callback for one action name.
func (s *Server) RegisterAction(action string, h ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = h
}

// Start binds the listener and serves until Shutdown. The bind happens
// synchronously so port conflicts surface here, not in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("control plane (%s role) listening on %s", s.opts.Role, ln.Addr())
	async.Go(s.logger, "controlplane.serve", func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control plane serve: %v", err)
		}
	})
	return nil
}

// Shutdown cancels in-flight dispatches, then closes the listener and every
// live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()

	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// SessionCount reports live connections for the status surface.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session is one accepted connection: a read loop plus a single writer
// draining a bounded queue.
type session struct {
	id   string
	conn *websocket.Conn
	send chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed: %v", err)
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Frame, sendQueueBound),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	async.Go(s.logger, "controlplane.write", func() { s.writeLoop(sess) })
	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.close(websocket.CloseNormalClosure, "")
}

// readLoop decodes frames until the transport dies or a frame is malformed.
// Per-message handler errors become error replies; they never kill the
// connection.
func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := jsonx.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("session %s sent malformed JSON, closing: %v", sess.id, err)
			sess.close(websocket.CloseInvalidFramePayloadData, "malformed frame")
			return
		}
		reply := s.handleFrame(sess, frame)
		if reply != nil && !s.enqueue(sess, *reply) {
			return
		}
	}
}

func (s *Server) writeLoop(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.send:
			payload, err := jsonx.Marshal(frame)
			if err != nil {
				s.logger.Error("encode frame: %v", err)
				continue
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				sess.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// enqueue queues one outgoing frame. A full queue means the peer has stopped
// reading; it is disconnected with RateLimited rather than allowed to stall.
func (s *Server) enqueue(sess *session, frame Frame) bool {
	select {
	case sess.send <- frame:
		return true
	default:
		s.logger.Warn("session %s send queue full, disconnecting", sess.id)
		sess.close(websocket.ClosePolicyViolation, string(invoke.ErrRateLimited))
		return false
	}
}

func (sess *session) close(code int, reason string) {
	sess.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(sess.done)
		_ = sess.conn.Close()
	})
}

// handleFrame serves one message and returns the reply, or nil when no reply
// is due.
func (s *Server) handleFrame(sess *session, frame Frame) *Frame {
	switch frame.Type {
	case TypePing:
		return &Frame{Type: TypePong, RequestID: frame.RequestID}
	case TypeRegisterTool:
		return s.handleRegister(frame)
	case TypeListTools:
		return s.handleList(frame)
	case TypeGetToolByID:
		return s.handleGet(frame)
	case TypeExecuteTool:
		return s.handleExecute(frame)
	case TypeExecuteToolAction:
		return s.handleExecuteAction(frame)
	default:
		reply := errorFrame(frame.RequestID, string(invoke.ErrInvalidArgument),
			fmt.Sprintf("unknown frame type: %q", frame.Type))
		return &reply
	}
}

// handleRegister honors registrations only in the gateway role. A provider
// instance impersonating the gateway is rejected.
func (s *Server) handleRegister(frame Frame) *Frame {
	if s.opts.Role != RoleGateway || s.opts.Registrar == nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInvalidArgument),
			"this instance is not the main gateway")
		return &reply
	}
	if frame.ToolSpec == nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInvalidArgument), "missing tool_spec")
		return &reply
	}
	desc, err := registry.FromWire(*frame.ToolSpec)
	if err != nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInvalidArgument), err.Error())
		return &reply
	}
	if _, err := s.opts.Registrar.RegisterTool(desc); err != nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInvalidArgument), err.Error())
		return &reply
	}
	return &Frame{Type: TypeAck, RequestID: frame.RequestID, Success: boolPtr(true), ToolID: desc.RegistryID}
}

func (s *Server) handleList(frame Frame) *Frame {
	if s.opts.Directory == nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInternal), "no registry on this instance")
		return &reply
	}
	descs := s.opts.Directory.Enumerate(registry.Filter{})
	tools := make([]registry.WireDescriptor, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, d.ToWire())
	}
	return &Frame{
		Type:       TypeToolList,
		RequestID:  frame.RequestID,
		Success:    boolPtr(true),
		Tools:      tools,
		TotalCount: len(tools),
	}
}

func (s *Server) handleGet(frame Frame) *Frame {
	if s.opts.Directory == nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInternal), "no registry on this instance")
		return &reply
	}
	desc, ok := s.opts.Directory.Lookup(frame.ToolID)
	if !ok {
		reply := errorFrame(frame.RequestID, string(invoke.ErrToolNotFound),
			fmt.Sprintf("tool not found: %s", frame.ToolID))
		return &reply
	}
	wire := desc.ToWire()
	return &Frame{Type: TypeTool, RequestID: frame.RequestID, Success: boolPtr(true), Tool: &wire}
}

// handleExecute runs the full dispatch pipeline. Remote targets are reached
// through the dispatcher's connector pool, so this server is the single
// network-visible ingress while routing stays in one place.
func (s *Server) handleExecute(frame Frame) *Frame {
	if s.opts.Dispatcher == nil {
		reply := errorFrame(frame.RequestID, string(invoke.ErrInternal), "no dispatcher on this instance")
		return &reply
	}
	res := s.opts.Dispatcher.Dispatch(s.baseCtx, invoke.Invocation{
		ToolID:        frame.ToolID,
		Action:        frame.Action,
		Parameters:    frame.Parameters,
		CorrelationID: frame.RequestID,
	})
	return &Frame{Type: TypeExecuteResult, RequestID: frame.RequestID, Result: resultToWire(res)}
}

// handleExecuteAction is the provider-mode inbound path: the gateway calls
// us, and we dispatch to a registered action callback.
func (s *Server) handleExecuteAction(frame Frame) *Frame {
	s.mu.Lock()
	handler, ok := s.actions[frame.Action]
	s.mu.Unlock()
	if !ok {
		reply := Frame{
			Type:      TypeExecuteResult,
			RequestID: frame.RequestID,
			Result: &connector.ProviderResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("no handler for action %q", frame.Action),
				ErrorType:    string(invoke.ErrActionNotSupported),
			},
		}
		return &reply
	}
	result := handler(s.baseCtx, frame.ToolID, frame.Parameters)
	return &Frame{Type: TypeExecuteResult, RequestID: frame.RequestID, Result: &result}
}
