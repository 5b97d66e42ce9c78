package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/event"
)

// wireEvent is the JSON shape sent over the websocket event stream.
type wireEvent struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleEvents upgrades the connection to a websocket and streams every bus
// event until the client disconnects. A slow client that falls more than the
// buffer behind is dropped rather than allowed to stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	events := make(chan event.Event, 64)

	var dropped atomic.Bool
	unsubscribe := s.bus.SubscribeAll(func(_ context.Context, e event.Event) {
		select {
		case events <- e:
		default:
			// Never let a slow client stall the bus: shed the event.
			if dropped.CompareAndSwap(false, true) {
				s.logger.Warn("event stream client too slow, shedding events",
					zap.String("remote", r.RemoteAddr))
			}
		}
	})
	defer unsubscribe()

	s.logger.Info("event stream client connected", zap.String("remote", r.RemoteAddr))

	// Discard inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if err := s.writeEvent(ctx, conn, e); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, e event.Event) error {
	data, err := json.Marshal(wireEvent{
		Topic:     e.Topic,
		Source:    e.Source,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
