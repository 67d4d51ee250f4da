package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire form of one bus event pushed to a WebSocket
// client. At is stamped at forward time; the bus itself carries no clock.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// writeTimeout bounds a single event push so one stalled client cannot
// wedge its forwarding goroutine.
const writeTimeout = 10 * time.Second

// handleEvents implements GET /events: a WebSocket that mirrors the event
// bus. An optional topic query param narrows the stream by prefix, so
// "queue." delivers only queue traffic and an empty filter delivers all of
// it. The auth middleware has already run; browser clients pass the token
// as a query param since they cannot set dial headers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		s.writeErr(w, http.StatusServiceUnavailable, FailRetryable,
			errors.New("event bus not configured"))
		return
	}

	topic := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Cross-origin dials must match the allowlist. Same-origin requests
		// are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventClients.Add(r.Context(), 1)
		defer s.cfg.Metrics.EventClients.Add(r.Context(), -1)
	}
	s.logger.Info("events: client connected", "topic", topic)
	defer s.logger.Info("events: client disconnected", "topic", topic)

	// The stream is push-only. CloseRead discards anything the client sends
	// and cancels the returned context when the connection dies.
	readCtx := conn.CloseRead(r.Context())

	for {
		select {
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			wctx, cancel := context.WithTimeout(readCtx, writeTimeout)
			err := wsjson.Write(wctx, conn, streamEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      time.Now().UTC(),
			})
			cancel()
			if err != nil {
				slog.Debug("events: write failed, dropping client", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
