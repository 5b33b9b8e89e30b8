package adminapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"toolgate/internal/async"
	"toolgate/internal/registry"
	"toolgate/internal/shared/jsonx"
)

const (
	wsSendQueueBound = 256
	wsWriteTimeout   = 10 * time.Second
)

// clientCommand is what stream clients may send.
type clientCommand struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// handleEventStream serves the real-time change stream. The client first
// receives a welcome snapshot of all enabled tools, then incremental events
// in registry order; events the snapshot already reflects are not replayed.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot: an event in between carries a sequence
	// number at or below the snapshot's and is suppressed, never lost.
	sub := s.opts.Fanout.Subscribe()
	defer s.opts.Fanout.Unsubscribe(sub)

	welcome, welcomeSeq := s.welcomeMessage()
	if !s.writeStreamMessage(conn, welcome) {
		return
	}

	out := make(chan any, wsSendQueueBound)
	done := make(chan struct{})

	// Reader: client commands only. Malformed JSON or transport death ends
	// the stream.
	async.Go(s.logger, "adminapi.eventstream.read", func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd clientCommand
			if err := jsonx.Unmarshal(data, &cmd); err != nil {
				s.logger.Warn("event stream client sent malformed JSON, closing")
				return
			}
			reply := s.handleClientCommand(cmd)
			if reply == nil {
				continue
			}
			select {
			case out <- reply:
			default:
				return // client is not reading its own replies either
			}
		}
	})

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the fan-out for falling behind.
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate_limited")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if ev.Seq <= welcomeSeq {
				continue
			}
			if !s.writeStreamMessage(conn, ev) {
				return
			}
		case msg := <-out:
			if !s.writeStreamMessage(conn, msg) {
				return
			}
		}
	}
}

func (s *Server) writeStreamMessage(conn *websocket.Conn, msg any) bool {
	payload, err := jsonx.Marshal(msg)
	if err != nil {
		s.logger.Error("encode stream message: %v", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (s *Server) welcomeMessage() (gin.H, uint64) {
	descs, seq := s.opts.Directory.EnumerateWithSeq(registry.Filter{Enabled: registry.MustBool(true)})
	tools := make([]registry.WireDescriptor, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, d.ToWire())
	}
	return gin.H{"type": "welcome", "tools": tools, "total_count": len(tools)}, seq
}

func (s *Server) handleClientCommand(cmd clientCommand) any {
	switch cmd.Type {
	case "ping":
		return gin.H{"type": "pong", "request_id": cmd.RequestID}
	case "subscribe":
		return gin.H{"type": "subscribed", "request_id": cmd.RequestID}
	case "get_tools":
		tools := s.enabledTools()
		return gin.H{"type": "tools", "request_id": cmd.RequestID, "tools": tools, "total_count": len(tools)}
	default:
		return gin.H{"type": "error", "request_id": cmd.RequestID, "error": "unknown command: " + cmd.Type}
	}
}

func (s *Server) enabledTools() []registry.WireDescriptor {
	descs := s.opts.Directory.Enumerate(registry.Filter{Enabled: registry.MustBool(true)})
	tools := make([]registry.WireDescriptor, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, d.ToWire())
	}
	return tools
}
