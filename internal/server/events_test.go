package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/config"
	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/event"
	"github.com/MWhitburn/fleetscan/internal/scan"
)

func TestEventStreamDeliversBusEvents(t *testing.T) {
	logger := zap.NewNop()
	store := config.NewStore(filepath.Join(t.TempDir(), "fleetscan.json"), logger)
	bus := event.NewBus(logger)
	pool := scan.NewPool(refusingProber(), logger)
	eng, err := engine.New(pool, store, bus, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	srv := New("127.0.0.1:0", eng, bus, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handler subscribes after the handshake completes, so keep
	// publishing until a frame comes back.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(context.Background(), event.Event{
					Topic:   engine.TopicScanStarted,
					Source:  "engine",
					Payload: engine.ScanStarted{ScanID: "s1", Groups: []string{"Rack1"}},
				})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if ev.Topic != engine.TopicScanStarted {
		t.Errorf("topic = %q, want %q", ev.Topic, engine.TopicScanStarted)
	}
	if ev.Source != "engine" {
		t.Errorf("source = %q, want engine", ev.Source)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T, want object", ev.Payload)
	}
	if payload["scan_id"] != "s1" {
		t.Errorf("payload scan_id = %v, want s1", payload["scan_id"])
	}
}
