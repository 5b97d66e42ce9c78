package scan

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// ErrInterrupted marks a session whose event stream ended without a terminal
// event, which only happens when the producer died.
var ErrInterrupted = errors.New("scan event stream interrupted")

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Session accumulates the state of one scan from its event stream: per-group
// progress, discovered miners, and the final status. All accessors are safe
// to call while Run is consuming events.
type Session struct {
	id string

	mu         sync.RWMutex
	status     Status
	totals     map[string]int
	probed     map[string]int
	miners     map[string]map[string]*models.Miner // group -> IP -> snapshot
	groupsDone map[string]bool
	startedAt  time.Time
	endedAt    time.Time
	err        error
}

// NewSession creates an idle session over the given per-group totals.
func NewSession(id string, totals map[string]int) *Session {
	t := make(map[string]int, len(totals))
	for g, n := range totals {
		t[g] = n
	}
	return &Session{
		id:         id,
		status:     StatusIdle,
		totals:     t,
		probed:     make(map[string]int, len(t)),
		miners:     make(map[string]map[string]*models.Miner, len(t)),
		groupsDone: make(map[string]bool, len(t)),
	}
}

// Run consumes the event stream until it closes, applying each event to the
// session before forwarding it to onEvent (which may be nil). It returns nil
// for completed and cancelled sessions, and the failure error otherwise.
func (s *Session) Run(events <-chan Event, onEvent func(Event)) error {
	s.mu.Lock()
	s.status = StatusRunning
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	for ev := range events {
		s.apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		s.status = StatusFailed
		s.err = ErrInterrupted
		s.endedAt = time.Now().UTC()
	}
	if s.status == StatusFailed {
		return s.err
	}
	return nil
}

func (s *Session) apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case AddressProbed:
		if e.Outcome == OutcomeFound && e.Miner != nil {
			byIP := s.miners[e.Group]
			if byIP == nil {
				byIP = make(map[string]*models.Miner)
				s.miners[e.Group] = byIP
			}
			byIP[e.Miner.IP] = e.Miner
		}
	case GroupProgress:
		if e.Probed > s.probed[e.Group] {
			s.probed[e.Group] = e.Probed
		}
	case GroupCompleted:
		s.groupsDone[e.Group] = true
		s.probed[e.Group] = s.totals[e.Group]
	case SessionCompleted:
		s.status = StatusCompleted
		s.endedAt = time.Now().UTC()
	case SessionCancelled:
		s.status = StatusCancelled
		s.endedAt = time.Now().UTC()
	case SessionFailed:
		s.status = StatusFailed
		s.err = e.Err
		s.endedAt = time.Now().UTC()
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the failure error, nil unless Status is StatusFailed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// StartedAt returns when Run began consuming events.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Groups lists the session's group names, sorted.
func (s *Session) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]string, 0, len(s.totals))
	for g := range s.totals {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups
}

// Progress returns a snapshot of per-group progress.
func (s *Session) Progress() map[string]GroupProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]GroupProgress, len(s.totals))
	for g, total := range s.totals {
		out[g] = GroupProgress{Group: g, Probed: s.probed[g], Total: total}
	}
	return out
}

// GroupDone reports whether the group's completion marker has arrived.
func (s *Session) GroupDone(group string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupsDone[group]
}

// Miners returns the miners discovered in one group, sorted by IP.
func (s *Session) Miners(group string) []*models.Miner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMiners(s.miners[group])
}

// AllMiners returns every discovered miner keyed by group, sorted by IP.
func (s *Session) AllMiners() map[string][]*models.Miner {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*models.Miner, len(s.miners))
	for g, byIP := range s.miners {
		out[g] = sortedMiners(byIP)
	}
	return out
}

func sortedMiners(byIP map[string]*models.Miner) []*models.Miner {
	out := make([]*models.Miner, 0, len(byIP))
	for _, m := range byIP {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *models.Miner) int {
		aa, errA := netip.ParseAddr(a.IP)
		bb, errB := netip.ParseAddr(b.IP)
		if errA == nil && errB == nil {
			return aa.Compare(bb)
		}
		return strings.Compare(a.IP, b.IP)
	})
	return out
}
