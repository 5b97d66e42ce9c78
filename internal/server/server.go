// Package server exposes the HTTP API: scan control, group and device
// queries, miner control commands, the live event stream, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/event"
	"github.com/MWhitburn/fleetscan/internal/miner"
	"github.com/MWhitburn/fleetscan/internal/services"
	"github.com/MWhitburn/fleetscan/internal/version"
)

// Server is the FleetScan HTTP server.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	client     *miner.Client
	history    services.HistoryRepository // may be nil
	bus        *event.Bus
	logger     *zap.Logger
	mux        *http.ServeMux
	metrics    *Metrics
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHistory exposes the scan history endpoints.
func WithHistory(h services.HistoryRepository) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithMinerClient enables the miner control endpoints.
func WithMinerClient(c *miner.Client) ServerOption {
	return func(s *Server) { s.client = c }
}

// New creates a new Server instance.
func New(addr string, eng *engine.Engine, bus *event.Bus, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: the event stream holds connections open.
			IdleTimeout: 60 * time.Second,
		},
		engine:  eng,
		bus:     bus,
		logger:  logger,
		mux:     mux,
		metrics: NewMetrics(bus),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/version", s.handleVersion)

	s.mux.HandleFunc("GET /api/v1/groups", s.handleListGroups)
	s.mux.HandleFunc("POST /api/v1/groups", s.handleCreateGroup)
	s.mux.HandleFunc("PUT /api/v1/groups/{name}", s.handleUpdateGroup)
	s.mux.HandleFunc("DELETE /api/v1/groups/{name}", s.handleDeleteGroup)

	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)

	s.mux.HandleFunc("POST /api/v1/scans", s.handleStartScan)
	s.mux.HandleFunc("GET /api/v1/scans/active", s.handleActiveScans)
	s.mux.HandleFunc("DELETE /api/v1/scans/{id}", s.handleCancelScan)

	if s.history != nil {
		s.mux.HandleFunc("GET /api/v1/scans", s.handleScanHistory)
		s.mux.HandleFunc("GET /api/v1/scans/{id}", s.handleScanRecord)
	}

	if s.client != nil {
		s.mux.HandleFunc("POST /api/v1/miners/{ip}/restart", s.handleMinerCommand("restart"))
		s.mux.HandleFunc("POST /api/v1/miners/{ip}/pause", s.handleMinerCommand("pause"))
		s.mux.HandleFunc("POST /api/v1/miners/{ip}/resume", s.handleMinerCommand("resume"))
	}

	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the root handler, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fleetscan",
		"version": version.Short(),
	})
}

// handleVersion returns full build information.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Map())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-FleetScan-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
