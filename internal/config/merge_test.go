package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// sessionFrom replays events into a fresh session so merge behavior can be
// tested against real session state.
func sessionFrom(t *testing.T, totals map[string]int, events []scan.Event) *scan.Session {
	t.Helper()

	sess := scan.NewSession("merge-test", totals)
	ch := make(chan scan.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	_ = sess.Run(ch, nil)
	return sess
}

func found(group, ip string, m *models.Miner) scan.AddressProbed {
	m.IP = ip
	return scan.AddressProbed{
		Group:   group,
		Addr:    netip.MustParseAddr(ip),
		Outcome: scan.OutcomeFound,
		Miner:   m,
	}
}

func TestMergeCompletedReplacesGroupResult(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Default()
	cfg.Results["Rack1"] = GroupResult{
		Miners: []*models.Miner{
			{ID: "gone", IP: "10.0.0.9"},
			{ID: "still-here", IP: "10.0.0.1", HashrateTHS: 90},
		},
		LastScan: &old,
	}

	sess := sessionFrom(t, map[string]int{"Rack1": 4}, []scan.Event{
		found("Rack1", "10.0.0.1", &models.Miner{ID: "still-here", HashrateTHS: 110}),
		found("Rack1", "10.0.0.2", &models.Miner{ID: "new"}),
		scan.GroupCompleted{Group: "Rack1"},
		scan.SessionCompleted{},
	})

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	out := Merge(cfg, sess, StaleMarkPartial, now)

	res := out.Results["Rack1"]
	if len(res.Miners) != 2 {
		t.Fatalf("miners = %d, want 2 (full replacement)", len(res.Miners))
	}
	for _, m := range res.Miners {
		if m.ID == "gone" {
			t.Error("undiscovered miner survived a completed sweep")
		}
	}
	if res.Miners[0].HashrateTHS != 110 {
		t.Errorf("HashrateTHS = %v, want fresh snapshot", res.Miners[0].HashrateTHS)
	}
	if res.LastScan == nil || !res.LastScan.Equal(now) {
		t.Errorf("LastScan = %v, want %v", res.LastScan, now)
	}
	if res.Partial {
		t.Error("completed sweep marked partial")
	}

	// Input untouched.
	if got := cfg.Results["Rack1"]; len(got.Miners) != 2 || got.Miners[0].ID != "gone" {
		t.Error("Merge mutated its input")
	}
}

func TestMergeCancelledOverlays(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Default()
	cfg.Results["Rack1"] = GroupResult{
		Miners: []*models.Miner{
			{ID: "unseen", IP: "10.0.0.9"},
			{ID: "refreshed", IP: "10.0.0.1", HashrateTHS: 90},
		},
		LastScan: &old,
	}

	sess := sessionFrom(t, map[string]int{"Rack1": 100}, []scan.Event{
		found("Rack1", "10.0.0.1", &models.Miner{ID: "refreshed", HashrateTHS: 110}),
		found("Rack1", "10.0.0.2", &models.Miner{ID: "new"}),
		scan.SessionCancelled{},
	})

	out := Merge(cfg, sess, StaleMarkPartial, time.Now())

	res := out.Results["Rack1"]
	if len(res.Miners) != 3 {
		t.Fatalf("miners = %d, want union of 3", len(res.Miners))
	}
	// Sorted by IP: .1 refreshed, .2 new, .9 carried over.
	if res.Miners[0].HashrateTHS != 110 {
		t.Errorf("stored snapshot not replaced by fresh one")
	}
	if res.Miners[2].ID != "unseen" {
		t.Errorf("unseen stored miner dropped on cancel")
	}
	if !res.Partial {
		t.Error("cancelled sweep not marked partial")
	}
	if res.LastScan != nil {
		t.Errorf("LastScan = %v, want nil under mark_partial", res.LastScan)
	}
}

func TestMergeCancelledRetainTimestamp(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Default()
	cfg.Results["Rack1"] = GroupResult{
		Miners:   []*models.Miner{{ID: "a", IP: "10.0.0.1"}},
		LastScan: &old,
	}

	sess := sessionFrom(t, map[string]int{"Rack1": 100}, []scan.Event{
		scan.SessionCancelled{},
	})

	out := Merge(cfg, sess, StaleRetainTimestamp, time.Now())

	res := out.Results["Rack1"]
	if res.LastScan == nil || !res.LastScan.Equal(old) {
		t.Errorf("LastScan = %v, want retained %v", res.LastScan, old)
	}
	if !res.Partial {
		t.Error("not marked partial")
	}
}

func TestMergeCancelledCompletedGroupStillReplaced(t *testing.T) {
	// A multi-group scan cancelled after the first group finished: the
	// finished group gets the full-replacement treatment, the other the
	// overlay treatment.
	cfg := Default()
	cfg.Results["Done"] = GroupResult{Miners: []*models.Miner{{ID: "old", IP: "10.0.0.9"}}}
	cfg.Results["Cut"] = GroupResult{Miners: []*models.Miner{{ID: "kept", IP: "10.1.0.9"}}}

	sess := sessionFrom(t, map[string]int{"Done": 1, "Cut": 50}, []scan.Event{
		found("Done", "10.0.0.1", &models.Miner{ID: "fresh"}),
		scan.GroupCompleted{Group: "Done"},
		scan.SessionCancelled{},
	})

	out := Merge(cfg, sess, StaleMarkPartial, time.Now())

	done := out.Results["Done"]
	if len(done.Miners) != 1 || done.Miners[0].ID != "fresh" {
		t.Errorf("finished group not replaced: %+v", done.Miners)
	}
	if done.Partial {
		t.Error("finished group marked partial")
	}

	cut := out.Results["Cut"]
	if len(cut.Miners) != 1 || cut.Miners[0].ID != "kept" {
		t.Errorf("interrupted group lost stored miners: %+v", cut.Miners)
	}
	if !cut.Partial {
		t.Error("interrupted group not marked partial")
	}
}

func TestMergeFailedSessionChangesNothing(t *testing.T) {
	cfg := Default()
	cfg.Results["Rack1"] = GroupResult{Miners: []*models.Miner{{ID: "a", IP: "10.0.0.1"}}}

	sess := sessionFrom(t, map[string]int{"Rack1": 4}, []scan.Event{
		found("Rack1", "10.0.0.2", &models.Miner{ID: "b"}),
		// stream ends without a terminal event -> failed
	})

	out := Merge(cfg, sess, StaleMarkPartial, time.Now())
	res := out.Results["Rack1"]
	if len(res.Miners) != 1 || res.Miners[0].ID != "a" {
		t.Errorf("failed session leaked results: %+v", res.Miners)
	}
}

func TestMergeIdempotent(t *testing.T) {
	cfg := Default()
	sess := sessionFrom(t, map[string]int{"Rack1": 1}, []scan.Event{
		found("Rack1", "10.0.0.1", &models.Miner{ID: "a"}),
		scan.GroupCompleted{Group: "Rack1"},
		scan.SessionCompleted{},
	})

	now := time.Now()
	once := Merge(cfg, sess, StaleMarkPartial, now)
	twice := Merge(once, sess, StaleMarkPartial, now)

	a, b := once.Results["Rack1"], twice.Results["Rack1"]
	if len(a.Miners) != len(b.Miners) || !a.LastScan.Equal(*b.LastScan) || a.Partial != b.Partial {
		t.Errorf("merge not idempotent: %+v vs %+v", a, b)
	}
}
