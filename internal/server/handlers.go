package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/config"
	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/iprange"
	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/internal/services"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// handleListGroups returns every configured scan group.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Config().Groups)
}

// handleCreateGroup adds a scan group.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g models.ScanGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		BadRequest(w, "invalid group body: "+err.Error(), r.URL.Path)
		return
	}

	err := s.engine.UpdateConfig(func(ed *config.Editor) error {
		return ed.AddGroup(g)
	})
	switch {
	case errors.Is(err, config.ErrGroupExists):
		Conflict(w, err.Error(), r.URL.Path)
	case errors.Is(err, config.ErrNoRanges):
		BadRequest(w, err.Error(), r.URL.Path)
	case err != nil:
		InternalError(w, err.Error(), r.URL.Path)
	default:
		writeJSON(w, http.StatusCreated, g)
	}
}

// handleUpdateGroup replaces an existing group. The path name wins over any
// name in the body.
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var g models.ScanGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		BadRequest(w, "invalid group body: "+err.Error(), r.URL.Path)
		return
	}
	g.Name = r.PathValue("name")

	err := s.engine.UpdateConfig(func(ed *config.Editor) error {
		return ed.UpdateGroup(g)
	})
	var busy *engine.AlreadyScanningError
	switch {
	case errors.Is(err, config.ErrGroupNotFound):
		NotFound(w, err.Error(), r.URL.Path)
	case errors.Is(err, config.ErrNoRanges):
		BadRequest(w, err.Error(), r.URL.Path)
	case errors.As(err, &busy):
		Conflict(w, err.Error(), r.URL.Path)
	case err != nil:
		InternalError(w, err.Error(), r.URL.Path)
	default:
		writeJSON(w, http.StatusOK, g)
	}
}

// handleDeleteGroup removes a group and its stored results.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	err := s.engine.UpdateConfig(func(ed *config.Editor) error {
		return ed.RemoveGroup(name)
	})
	var busy *engine.AlreadyScanningError
	switch {
	case errors.Is(err, config.ErrGroupNotFound):
		NotFound(w, err.Error(), r.URL.Path)
	case errors.As(err, &busy):
		Conflict(w, err.Error(), r.URL.Path)
	case err != nil:
		InternalError(w, err.Error(), r.URL.Path)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleListDevices returns the last known fleet state, optionally filtered
// to one group with ?group=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()

	if group := r.URL.Query().Get("group"); group != "" {
		res, ok := cfg.Results[group]
		if !ok {
			if _, exists := cfg.Group(group); !exists {
				NotFound(w, "no such group: "+group, r.URL.Path)
				return
			}
			res = config.GroupResult{Miners: []*models.Miner{}}
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Results)
}

type startScanRequest struct {
	Groups []string `json:"groups"`
}

type scanResponse struct {
	ScanID string   `json:"scan_id"`
	Groups []string `json:"groups"`
	Status string   `json:"status"`
}

// handleStartScan launches a scan. An empty or absent group list scans every
// enabled group.
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid scan request: "+err.Error(), r.URL.Path)
			return
		}
	}

	run, err := s.engine.StartScan(r.Context(), req.Groups...)
	var busy *engine.AlreadyScanningError
	switch {
	case errors.As(err, &busy):
		Conflict(w, err.Error(), r.URL.Path)
		return
	case errors.Is(err, config.ErrGroupNotFound):
		NotFound(w, err.Error(), r.URL.Path)
		return
	case errors.Is(err, engine.ErrGroupDisabled), errors.Is(err, engine.ErrNoGroups):
		BadRequest(w, err.Error(), r.URL.Path)
		return
	case err != nil:
		// Range specs are validated at scan start, so surface those as 400.
		var parseErr *iprange.ParseError
		if errors.As(err, &parseErr) {
			BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}

	s.logger.Info("scan requested via API",
		zap.String("scan_id", run.Session.ID()),
		zap.Strings("groups", run.Groups),
	)
	writeJSON(w, http.StatusAccepted, scanResponse{
		ScanID: run.Session.ID(),
		Groups: run.Groups,
		Status: string(run.Session.Status()),
	})
}

type activeScanResponse struct {
	ScanID   string                        `json:"scan_id"`
	Groups   []string                      `json:"groups"`
	Status   string                        `json:"status"`
	Progress map[string]scan.GroupProgress `json:"progress"`
}

// handleActiveScans reports every running scan with its progress.
func (s *Server) handleActiveScans(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.ActiveRuns()
	out := make([]activeScanResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, activeScanResponse{
			ScanID:   run.Session.ID(),
			Groups:   run.Groups,
			Status:   string(run.Session.Status()),
			Progress: run.Session.Progress(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCancelScan requests cancellation of a running scan.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.CancelScan(id); err != nil {
		NotFound(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleScanHistory lists past scans, newest first.
func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	opts := services.ListOptions{SortOrder: r.URL.Query().Get("order")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	result, err := s.history.List(r.Context(), opts)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleScanRecord returns one history entry.
func (s *Server) handleScanRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, services.ErrNotFound) {
		NotFound(w, "no such scan", r.URL.Path)
		return
	}
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleMinerCommand dispatches a control command to one device.
func (s *Server) handleMinerCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := netip.ParseAddr(r.PathValue("ip"))
		if err != nil {
			BadRequest(w, "invalid device address: "+err.Error(), r.URL.Path)
			return
		}

		switch command {
		case "restart":
			err = s.client.Restart(r.Context(), addr)
		case "pause":
			err = s.client.Pause(r.Context(), addr)
		case "resume":
			err = s.client.Resume(r.Context(), addr)
		}
		if err != nil {
			DeviceUnreachable(w, err.Error(), r.URL.Path)
			return
		}

		s.logger.Info("miner command issued",
			zap.String("ip", addr.String()),
			zap.String("command", command),
		)
		writeJSON(w, http.StatusOK, map[string]string{
			"ip":      addr.String(),
			"command": command,
			"result":  "ok",
		})
	}
}
