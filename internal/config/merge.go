package config

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// StalePolicy decides what happens to a group's last-scan timestamp when a
// scan is cancelled before the group finished.
type StalePolicy string

const (
	// StaleMarkPartial clears the timestamp: the stored state no longer has a
	// freshness claim. This is the default.
	StaleMarkPartial StalePolicy = "mark_partial"
	// StaleRetainTimestamp keeps the previous timestamp while still marking
	// the result partial.
	StaleRetainTimestamp StalePolicy = "retain_timestamp"
)

// Valid reports whether p is a known policy.
func (p StalePolicy) Valid() bool {
	return p == StaleMarkPartial || p == StaleRetainTimestamp
}

// Merge folds a finished session into the configuration and returns the
// updated copy. The input is never mutated.
//
// A group the session swept completely replaces the stored result outright:
// the scan saw the whole range, so devices it did not find are gone. A group
// interrupted by cancellation is overlaid instead: freshly seen miners
// replace or join the stored ones by IP, unseen stored miners are kept, and
// the result is marked partial. Failed sessions merge nothing.
func Merge(cfg *Config, sess *scan.Session, policy StalePolicy, now time.Time) *Config {
	out := cfg.Clone()
	if sess.Status() == scan.StatusFailed {
		return out
	}
	if !policy.Valid() {
		policy = StaleMarkPartial
	}

	for _, group := range sess.Groups() {
		miners := sess.Miners(group)

		if sess.GroupDone(group) {
			t := now
			out.Results[group] = GroupResult{
				Miners:   miners,
				LastScan: &t,
			}
			continue
		}

		prev := out.Results[group]
		merged := overlayByIP(prev.Miners, miners)

		result := GroupResult{Miners: merged, Partial: true}
		if policy == StaleRetainTimestamp {
			result.LastScan = prev.LastScan
		}
		out.Results[group] = result
	}
	return out
}

// overlayByIP merges fresh snapshots over stored ones, keyed by IP, and
// returns the union sorted by address.
func overlayByIP(stored, fresh []*models.Miner) []*models.Miner {
	byIP := make(map[string]*models.Miner, len(stored)+len(fresh))
	for _, m := range stored {
		byIP[m.IP] = m
	}
	for _, m := range fresh {
		byIP[m.IP] = m
	}

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
