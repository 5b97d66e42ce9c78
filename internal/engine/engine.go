// Package engine coordinates scans: it enforces the one-active-scan-per-group
// rule, drives sessions off the pool's event stream, folds finished sessions
// into the persisted configuration, and records history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/config"
	"github.com/MWhitburn/fleetscan/internal/event"
	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/internal/services"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// Event topics published on the bus.
const (
	TopicScanStarted     = "scan.started"
	TopicMinerDiscovered = "scan.miner.discovered"
	TopicScanProgress    = "scan.progress"
	TopicGroupCompleted  = "scan.group.completed"
	TopicScanCompleted   = "scan.completed"
	TopicScanCancelled   = "scan.cancelled"
	TopicScanFailed      = "scan.failed"
)

// Bus payloads. These are what the websocket stream serializes, so they
// carry JSON tags.
type (
	// ScanStarted announces a new scan over the named groups.
	ScanStarted struct {
		ScanID string   `json:"scan_id"`
		Groups []string `json:"groups"`
	}

	// MinerDiscovered announces one found device.
	MinerDiscovered struct {
		ScanID string        `json:"scan_id"`
		Group  string        `json:"group"`
		Miner  *models.Miner `json:"miner"`
	}

	// ScanProgress announces per-group progress.
	ScanProgress struct {
		ScanID string `json:"scan_id"`
		Group  string `json:"group"`
		Probed int    `json:"probed"`
		Total  int    `json:"total"`
	}

	// GroupDone announces that one group's sweep finished.
	GroupDone struct {
		ScanID string `json:"scan_id"`
		Group  string `json:"group"`
	}

	// ScanFinished announces a terminal state.
	ScanFinished struct {
		ScanID string `json:"scan_id"`
		Status string `json:"status"`
		Found  int    `json:"found"`
		Error  string `json:"error,omitempty"`
	}
)

var (
	// ErrScanNotFound is returned when cancelling an unknown scan.
	ErrScanNotFound = errors.New("scan not found")
	// ErrGroupDisabled is returned when a named group exists but is disabled.
	ErrGroupDisabled = errors.New("scan group is disabled")
	// ErrNoGroups is returned when a scan request resolves to zero groups.
	ErrNoGroups = errors.New("no enabled scan groups")
)

// AlreadyScanningError is returned when a requested group is part of a scan
// that has not finished yet.
type AlreadyScanningError struct {
	Group  string
	ScanID string
}

func (e *AlreadyScanningError) Error() string {
	return fmt.Sprintf("group %q is already being scanned (scan %s)", e.Group, e.ScanID)
}

// Run is the handle for one scan driven by the engine. Done is closed after
// the session reached a terminal state and its results were merged.
type Run struct {
	Session *scan.Session
	Groups  []string

	handle *scan.Scan
	done   chan struct{}
}

// Done is closed when the run has fully finished, merge included.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel requests early termination; in-flight probes still complete.
func (r *Run) Cancel() { r.handle.Cancel() }

// Engine owns the live configuration and all running scans.
type Engine struct {
	pool    *scan.Pool
	store   *config.Store
	history services.HistoryRepository // may be nil
	bus     *event.Bus
	logger  *zap.Logger
	policy  config.StalePolicy
	now     func() time.Time

	mu       sync.Mutex
	cfg      *config.Config
	active   map[string]string // group -> scan ID
	runs     map[string]*Run   // scan ID -> run
	saveDirt bool              // config changed but last save failed
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStalePolicy sets how cancelled groups' timestamps are treated.
func WithStalePolicy(p config.StalePolicy) EngineOption {
	return func(e *Engine) {
		if p.Valid() {
			e.policy = p
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHistory attaches a scan history repository.
func WithHistory(h services.HistoryRepository) EngineOption {
	return func(e *Engine) { e.history = h }
}

// New loads the configuration and returns a ready engine.
func New(pool *scan.Pool, store *config.Store, bus *event.Bus, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		pool:   pool,
		store:  store,
		bus:    bus,
		logger: logger,
		policy: config.StaleMarkPartial,
		now:    time.Now,
		active: make(map[string]string),
		runs:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	return e, nil
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clone()
}

// UpdateConfig applies an edit batch atomically: edit either fully applies
// and is persisted, or the live configuration is untouched. Groups with an
// active scan cannot be edited away mid-flight.
func (e *Engine) UpdateConfig(edit func(*config.Editor) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.cfg.Edit()
	if err := edit(ed); err != nil {
		return err
	}
	next := ed.Config()

	for group, scanID := range e.active {
		if _, ok := next.Group(group); !ok {
			return &AlreadyScanningError{Group: group, ScanID: scanID}
		}
	}

	e.cfg = next
	return e.saveLocked()
}

// StartScan launches a scan over the named groups, or over every enabled
// group when names is empty. Exactly one scan may touch a group at a time.
func (e *Engine) StartScan(ctx context.Context, names ...string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var groups []models.ScanGroup
	if len(names) == 0 {
		groups = e.cfg.EnabledGroups()
	} else {
		for _, name := range names {
			g, ok := e.cfg.Group(name)
			if !ok {
				return nil, fmt.Errorf("group %q: %w", name, config.ErrGroupNotFound)
			}
			if !g.Enabled {
				return nil, fmt.Errorf("group %q: %w", name, ErrGroupDisabled)
			}
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}

	for _, g := range groups {
		if scanID, busy := e.active[g.Name]; busy {
			return nil, &AlreadyScanningError{Group: g.Name, ScanID: scanID}
		}
	}

	// The scan must outlive the caller (an HTTP request context is cancelled
	// as soon as the handler returns); Run.Cancel is the only way to stop it.
	handle, err := e.pool.Start(context.WithoutCancel(ctx), groups)
	if err != nil {
		return nil, err
	}

	groupNames := make([]string, len(groups))
	for i, g := range groups {
		groupNames[i] = g.Name
	}
	for _, name := range groupNames {
		e.active[name] = handle.ID()
	}

	run := &Run{
		Session: scan.NewSession(handle.ID(), handle.Totals()),
		Groups:  groupNames,
		handle:  handle,
		done:    make(chan struct{}),
	}
	e.runs[handle.ID()] = run

	if e.history != nil {
		rec := &models.ScanRecord{ID: handle.ID(), Groups: groupNames}
		if err := e.history.Create(context.Background(), rec); err != nil {
			e.logger.Warn("scan history record failed", zap.Error(err))
		}
	}

	e.logger.Info("scan launched",
		zap.String("scan_id", handle.ID()),
		zap.Strings("groups", groupNames),
	)
	e.bus.Publish(ctx, event.Event{
		Topic:   TopicScanStarted,
		Source:  "engine",
		Payload: ScanStarted{ScanID: handle.ID(), Groups: groupNames},
	})

	go e.consume(run)
	return run, nil
}

// CancelScan requests cancellation of a running scan by ID.
func (e *Engine) CancelScan(id string) error {
	e.mu.Lock()
	run, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("scan %q: %w", id, ErrScanNotFound)
	}
	run.Cancel()
	return nil
}

// ActiveRuns returns the scans that have not finished yet.
func (e *Engine) ActiveRuns() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

// Lookup finds a scan by ID among the active ones.
func (e *Engine) Lookup(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// consume drives the session to completion and settles the results.
func (e *Engine) consume(run *Run) {
	ctx := context.Background()
	runErr := run.Session.Run(run.handle.Events(), func(ev scan.Event) {
		e.forward(ctx, run, ev)
	})

	status := run.Session.Status()

	e.mu.Lock()
	if status == scan.StatusCompleted || status == scan.StatusCancelled {
		e.cfg = config.Merge(e.cfg, run.Session, e.policy, e.now())
		if err := e.saveLocked(); err != nil {
			// The merged state stays live in memory; the next save retries.
			e.logger.Error("config save failed after scan", zap.Error(err))
		}
	}
	for _, g := range run.Groups {
		if e.active[g] == run.Session.ID() {
			delete(e.active, g)
		}
	}
	delete(e.runs, run.Session.ID())
	e.mu.Unlock()

	found, probed := 0, 0
	for _, g := range run.Groups {
		found += len(run.Session.Miners(g))
		probed += run.Session.Progress()[g].Probed
	}

	if e.history != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if err := e.history.Finish(ctx, run.Session.ID(), string(status), found, probed, errMsg); err != nil {
			e.logger.Warn("scan history update failed", zap.Error(err))
		}
	}

	topic := TopicScanCompleted
	switch status {
	case scan.StatusCancelled:
		topic = TopicScanCancelled
	case scan.StatusFailed:
		topic = TopicScanFailed
	}
	payload := ScanFinished{ScanID: run.Session.ID(), Status: string(status), Found: found}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	e.bus.Publish(ctx, event.Event{Topic: topic, Source: "engine", Payload: payload})

	e.logger.Info("scan settled",
		zap.String("scan_id", run.Session.ID()),
		zap.String("status", string(status)),
		zap.Int("found", found),
		zap.Int("probed", probed),
	)
	close(run.done)
}

// forward translates session events into bus messages.
func (e *Engine) forward(ctx context.Context, run *Run, ev scan.Event) {
	switch v := ev.(type) {
	case scan.AddressProbed:
		if v.Outcome == scan.OutcomeFound {
			e.bus.Publish(ctx, event.Event{
				Topic:   TopicMinerDiscovered,
				Source:  "engine",
				Payload: MinerDiscovered{ScanID: run.Session.ID(), Group: v.Group, Miner: v.Miner},
			})
		}
	case scan.GroupProgress:
		e.bus.Publish(ctx, event.Event{
			Topic:   TopicScanProgress,
			Source:  "engine",
			Payload: ScanProgress{ScanID: run.Session.ID(), Group: v.Group, Probed: v.Probed, Total: v.Total},
		})
	case scan.GroupCompleted:
		e.bus.Publish(ctx, event.Event{
			Topic:   TopicGroupCompleted,
			Source:  "engine",
			Payload: GroupDone{ScanID: run.Session.ID(), Group: v.Group},
		})
	}
}

// saveLocked persists the live config. Caller holds e.mu.
func (e *Engine) saveLocked() error {
	if err := e.store.Save(e.cfg); err != nil {
		e.saveDirt = true
		return err
	}
	e.saveDirt = false
	return nil
}

// Save retries persisting the live configuration.
func (e *Engine) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked()
}

// Close cancels every active scan, waits for them to settle, and saves.
func (e *Engine) Close() error {
	for _, run := range e.ActiveRuns() {
		run.Cancel()
	}
	for _, run := range e.ActiveRuns() {
		<-run.Done()
	}
	return e.Save()
}
