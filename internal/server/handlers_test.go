package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/config"
	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/event"
	"github.com/MWhitburn/fleetscan/internal/miner"
	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/internal/testutil"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

func newTestServer(t *testing.T, prober miner.Prober) *httptest.Server {
	t.Helper()

	logger := zap.NewNop()
	store := config.NewStore(filepath.Join(t.TempDir(), "fleetscan.json"), logger)

	seed := config.Default()
	ed := seed.Edit()
	if err := ed.AddGroup(models.NewScanGroup("Rack1", "10.0.0.1-2")); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ed.Config()); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus(logger)
	pool := scan.NewPool(prober, logger, scan.WithConcurrency(2), scan.WithProbeTimeout(time.Second))
	eng, err := engine.New(pool, store, bus, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	srv := New("127.0.0.1:0", eng, bus, logger, WithMinerClient(miner.NewClient(logger)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func refusingProber() miner.ProberFunc {
	return func(ctx context.Context, addr netip.Addr, _ models.Filter) (*models.Miner, error) {
		return nil, &miner.ProbeError{Addr: addr, Op: "dial", Err: errors.New("refused")}
	}
}

func foundProber() miner.ProberFunc {
	return func(ctx context.Context, addr netip.Addr, _ models.Filter) (*models.Miner, error) {
		return testutil.NewMiner(testutil.WithIP(addr.String())), nil
	}
}

func getJSON(t *testing.T, ts *httptest.Server, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	var body map[string]any
	resp := getJSON(t, ts, "/api/v1/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["service"] != "fleetscan" {
		t.Errorf("service = %v", body["service"])
	}
}

func TestGroupLifecycle(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	// Create.
	g := models.NewScanGroup("Rack2", "10.1.0.0/28")
	payload, _ := json.Marshal(g)
	resp, err := http.Post(ts.URL+"/api/v1/groups", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	// Duplicate is a conflict.
	resp, err = http.Post(ts.URL+"/api/v1/groups", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	// Listed.
	var groups []models.ScanGroup
	getJSON(t, ts, "/api/v1/groups", &groups)
	if len(groups) != 3 { // Default, Rack1, Rack2
		t.Errorf("groups = %d, want 3", len(groups))
	}

	// Delete.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/groups/Rack2", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	// Deleting again is a 404.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestStartScanEndpoint(t *testing.T) {
	ts := newTestServer(t, foundProber())

	payload := []byte(`{"groups":["Rack1"]}`)
	resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	var started scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if started.ScanID == "" {
		t.Fatal("empty scan_id")
	}

	// The scan is tiny; poll until the results land in the device list.
	deadline := time.Now().Add(10 * time.Second)
	for {
		var res config.GroupResult
		getJSON(t, ts, "/api/v1/devices?group=Rack1", &res)
		if len(res.Miners) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("devices never appeared, have %d", len(res.Miners))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartScanUnknownGroup(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json",
		bytes.NewReader([]byte(`{"groups":["Nope"]}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartScanBadRange(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	// Stage a group with a malformed range, then try to scan it.
	g := models.NewScanGroup("Broken", "999.0.0.0/8")
	payload, _ := json.Marshal(g)
	resp, err := http.Post(ts.URL+"/api/v1/groups", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/api/v1/scans", "application/json",
		bytes.NewReader([]byte(`{"groups":["Broken"]}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMinerCommandBadAddress(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	resp, err := http.Post(ts.URL+"/api/v1/miners/not-an-ip/restart", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelUnknownScan(t *testing.T) {
	ts := newTestServer(t, refusingProber())

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/scans/does-not-exist", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Server.Port != 8420 {
		t.Errorf("port = %d, want 8420", s.Server.Port)
	}
	if s.Scan.Concurrency != 64 {
		t.Errorf("concurrency = %d, want 64", s.Scan.Concurrency)
	}
	if s.Scan.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", s.Scan.Timeout)
	}
	if s.StalePolicy() != config.StaleMarkPartial {
		t.Errorf("stale policy = %q", s.StalePolicy())
	}
	if s.Addr() != "0.0.0.0:8420" {
		t.Errorf("addr = %q", s.Addr())
	}
}

func TestSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := []byte("server:\n  port: 9001\nscan:\n  concurrency: 8\n  stale_policy: retain_timestamp\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", s.Server.Port)
	}
	if s.Scan.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", s.Scan.Concurrency)
	}
	if s.StalePolicy() != config.StaleRetainTimestamp {
		t.Errorf("stale policy = %q, want retain_timestamp", s.StalePolicy())
	}
}
