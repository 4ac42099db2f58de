package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zapgate/zapgate/internal/bus"
)

// wsEvent is one item on the /ws stream: a bus event flattened for clients.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleWS implements GET /ws: a one-way stream of connection lifecycle and
// message events. Clients send nothing; the read side only detects closure.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.cfg.Logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.cfg.Logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Everything the supervisor, handlers and cron publish.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: event.Topic, Payload: sanitizePayload(event)}); err != nil {
				s.cfg.Logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

// sanitizePayload strips the raw QR payload before it leaves the process;
// clients only learn that pairing is pending, the code itself renders on the
// operator's terminal.
func sanitizePayload(event bus.Event) any {
	if event.Topic != bus.TopicConnectionQR {
		return event.Payload
	}
	if qr, ok := event.Payload.(bus.QREvent); ok {
		return bus.QREvent{Attempt: qr.Attempt}
	}
	return nil
}
