package scan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MWhitburn/fleetscan/internal/iprange"
	"github.com/MWhitburn/fleetscan/internal/miner"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// Pool probes the addresses of one or more scan groups with a fixed number
// of workers and streams the results as events.
type Pool struct {
	prober      miner.Prober
	logger      *zap.Logger
	concurrency int
	timeout     time.Duration
	buffer      int
	limiter     *rate.Limiter
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the worker count (default 64).
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithProbeTimeout bounds each individual probe (default 5s).
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBuffer sets the event channel capacity (default 256).
func WithBuffer(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.buffer = n
		}
	}
}

// WithRateLimit caps probe starts per second across all workers. Zero or
// negative disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewPool creates a scan pool around the given prober.
func NewPool(prober miner.Prober, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		prober:      prober,
		logger:      logger,
		concurrency: 64,
		timeout:     5 * time.Second,
		buffer:      256,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scan is the handle for one running sweep. Events() must be drained until
// it closes; Cancel() stops launching new probes but lets in-flight ones
// finish.
type Scan struct {
	id     string
	bridge *Bridge
	cancel context.CancelFunc
	totals map[string]int
}

// ID returns the scan's unique identifier.
func (s *Scan) ID() string { return s.id }

// Events returns the event stream. It closes after the terminal event.
func (s *Scan) Events() <-chan Event { return s.bridge.Events() }

// Cancel requests early termination. The stream still ends with a terminal
// event (SessionCancelled) followed by channel close.
func (s *Scan) Cancel() { s.cancel() }

// Totals reports the number of addresses per group, after deduplication.
func (s *Scan) Totals() map[string]int {
	out := make(map[string]int, len(s.totals))
	for g, n := range s.totals {
		out[g] = n
	}
	return out
}

type target struct {
	group  string
	filter models.Filter
	addr   netip.Addr
}

type groupState struct {
	total  int
	probed atomic.Int64
}

// Start expands and validates every range of the enabled groups, then
// launches the sweep. Range errors fail the whole call before any probe is
// sent; the returned error unwraps to *iprange.ParseError.
func (p *Pool) Start(ctx context.Context, groups []models.ScanGroup) (*Scan, error) {
	var targets []target
	totals := make(map[string]int)

	for _, g := range groups {
		if !g.Enabled {
			continue
		}
		seen := make(map[netip.Addr]struct{})
		for _, spec := range g.Ranges {
			r, err := iprange.Parse(spec)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			for addr := range r.Addresses() {
				if _, dup := seen[addr]; dup {
					continue
				}
				seen[addr] = struct{}{}
				targets = append(targets, target{group: g.Name, filter: g.Filter, addr: addr})
			}
		}
		totals[g.Name] = len(seen)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	scan := &Scan{
		id:     uuid.NewString(),
		bridge: NewBridge(p.buffer),
		cancel: cancel,
		totals: totals,
	}

	states := make(map[string]*groupState, len(totals))
	for g, n := range totals {
		states[g] = &groupState{total: n}
	}

	p.logger.Info("scan started",
		zap.String("scan_id", scan.id),
		zap.Int("groups", len(totals)),
		zap.Int("addresses", len(targets)),
		zap.Int("concurrency", p.concurrency),
	)

	feed := make(chan target)
	go func() {
		defer close(feed)
		for _, t := range targets {
			feed <- t
		}
	}()

	var fault atomic.Pointer[error]

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(scanCtx, scan, feed, states, &fault)
		}()
	}

	go func() {
		// A group with no addresses has no worker to complete it; mark it
		// done immediately so every group gets exactly one completion.
		for g, st := range states {
			if st.total == 0 {
				_ = scan.bridge.Send(scanCtx, GroupCompleted{Group: g})
			}
		}

		wg.Wait()

		// The terminal event must reach the consumer even when scanCtx is
		// already cancelled, so it is sent with a background context.
		var terminal Event
		switch {
		case fault.Load() != nil:
			terminal = SessionFailed{Err: *fault.Load()}
		case scanCtx.Err() != nil:
			terminal = SessionCancelled{}
		default:
			terminal = SessionCompleted{}
		}
		_ = scan.bridge.Send(context.Background(), terminal)
		scan.bridge.Close()
		cancel()

		p.logger.Info("scan finished",
			zap.String("scan_id", scan.id),
			zap.String("terminal", fmt.Sprintf("%T", terminal)),
		)
	}()

	return scan, nil
}

func (p *Pool) worker(ctx context.Context, scan *Scan, feed <-chan target, states map[string]*groupState, fault *atomic.Pointer[error]) {
	for t := range feed {
		if ctx.Err() != nil {
			continue // cancelled: drain without probing
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				continue
			}
		}

		ev := p.probe(ctx, t, fault)

		// Results that land after cancellation are discarded; Send fails
		// once ctx is done.
		if err := scan.bridge.Send(ctx, ev); err != nil {
			continue
		}

		gs := states[t.group]
		n := int(gs.probed.Add(1))
		_ = scan.bridge.Send(ctx, GroupProgress{Group: t.group, Probed: n, Total: gs.total})
		if n == gs.total {
			// Every AddressProbed for the group was sent before its counter
			// increment, so the completion marker orders after all of them.
			_ = scan.bridge.Send(ctx, GroupCompleted{Group: t.group})
		}
	}
}

// probe runs one probe with its own deadline, detached from the scan context
// so an in-flight probe survives cancellation.
func (p *Pool) probe(_ context.Context, t target, fault *atomic.Pointer[error]) (ev AddressProbed) {
	probeCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("prober panic at %s: %v", t.addr, r)
			fault.CompareAndSwap(nil, &err)
			p.logger.Error("prober panicked", zap.String("ip", t.addr.String()), zap.Any("panic", r))
			ev = AddressProbed{Group: t.group, Addr: t.addr, Outcome: OutcomeNoDevice, Err: err}
		}
	}()

	m, err := p.prober.Probe(probeCtx, t.addr, t.filter)
	switch {
	case err == nil:
		return AddressProbed{Group: t.group, Addr: t.addr, Outcome: OutcomeFound, Miner: m}
	case isFiltered(err):
		return AddressProbed{Group: t.group, Addr: t.addr, Outcome: OutcomeFiltered, Err: err}
	case isTimeout(err):
		return AddressProbed{Group: t.group, Addr: t.addr, Outcome: OutcomeTimeout, Err: err}
	default:
		return AddressProbed{Group: t.group, Addr: t.addr, Outcome: OutcomeNoDevice, Err: err}
	}
}

func isFiltered(err error) bool {
	return errors.Is(err, miner.ErrFiltered)
}

func isTimeout(err error) bool {
	var pe *miner.ProbeError
	if errors.As(err, &pe) {
		return pe.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
