// Package config owns the persisted application configuration: scan groups,
// their filters, and the results of the most recent scan per group.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// CurrentVersion is written into every saved file. Bump it together with a
// migration when the shape changes.
const CurrentVersion = 1

var (
	ErrGroupExists   = errors.New("scan group already exists")
	ErrGroupNotFound = errors.New("scan group not found")
	ErrNoRanges      = errors.New("scan group has no address ranges")
)

// GroupResult is the last known fleet state of one scan group.
type GroupResult struct {
	Miners []*models.Miner `json:"miners"`

	// LastScan is when the group was last fully swept, nil when the state
	// came from an interrupted scan and freshness cannot be claimed.
	LastScan *time.Time `json:"last_scan,omitempty"`

	// Partial marks results carrying entries from more than one scan.
	Partial bool `json:"partial,omitempty"`
}

// Config is the root of the persisted JSON document.
type Config struct {
	Version int                    `json:"version"`
	Groups  []models.ScanGroup     `json:"scan_groups"`
	Results map[string]GroupResult `json:"last_scan_results"`
}

// Default returns the configuration written on first start: a single enabled
// group covering the common home subnet.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Groups:  []models.ScanGroup{models.NewScanGroup("Default", "192.168.1.0/24")},
		Results: make(map[string]GroupResult),
	}
}

// Clone deep-copies the configuration. Miner snapshots are immutable after
// discovery, so their pointers are shared.
func (c *Config) Clone() *Config {
	out := &Config{
		Version: c.Version,
		Groups:  make([]models.ScanGroup, len(c.Groups)),
		Results: make(map[string]GroupResult, len(c.Results)),
	}
	for i, g := range c.Groups {
		g.Ranges = append([]string(nil), g.Ranges...)
		g.Filter.Makes = append([]models.MinerMake(nil), g.Filter.Makes...)
		g.Filter.Firmwares = append([]models.MinerFirmware(nil), g.Filter.Firmwares...)
		out.Groups[i] = g
	}
	for name, r := range c.Results {
		r.Miners = append([]*models.Miner(nil), r.Miners...)
		if r.LastScan != nil {
			t := *r.LastScan
			r.LastScan = &t
		}
		out.Results[name] = r
	}
	return out
}

// Group looks up a scan group by name.
func (c *Config) Group(name string) (models.ScanGroup, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return models.ScanGroup{}, false
}

// EnabledGroups returns the groups eligible for scanning.
func (c *Config) EnabledGroups() []models.ScanGroup {
	var out []models.ScanGroup
	for _, g := range c.Groups {
		if g.Enabled {
			out = append(out, g)
		}
	}
	return out
}

// Editor stages group edits against a private copy so a half-applied batch
// never leaks into the live configuration.
type Editor struct {
	cfg *Config
}

// Edit starts an edit batch.
func (c *Config) Edit() *Editor {
	return &Editor{cfg: c.Clone()}
}

// AddGroup stages a new group. Names are unique; a group needs at least one
// address range.
func (e *Editor) AddGroup(g models.ScanGroup) error {
	if g.Name == "" {
		return fmt.Errorf("add group: name is required")
	}
	if len(g.Ranges) == 0 {
		return fmt.Errorf("add group %q: %w", g.Name, ErrNoRanges)
	}
	if _, ok := e.cfg.Group(g.Name); ok {
		return fmt.Errorf("add group %q: %w", g.Name, ErrGroupExists)
	}
	e.cfg.Groups = append(e.cfg.Groups, g)
	return nil
}

// UpdateGroup stages a replacement for an existing group.
func (e *Editor) UpdateGroup(g models.ScanGroup) error {
	if len(g.Ranges) == 0 {
		return fmt.Errorf("update group %q: %w", g.Name, ErrNoRanges)
	}
	for i := range e.cfg.Groups {
		if e.cfg.Groups[i].Name == g.Name {
			e.cfg.Groups[i] = g
			return nil
		}
	}
	return fmt.Errorf("update group %q: %w", g.Name, ErrGroupNotFound)
}

// RemoveGroup stages removal of a group and its stored results.
func (e *Editor) RemoveGroup(name string) error {
	for i := range e.cfg.Groups {
		if e.cfg.Groups[i].Name == name {
			e.cfg.Groups = append(e.cfg.Groups[:i], e.cfg.Groups[i+1:]...)
			delete(e.cfg.Results, name)
			return nil
		}
	}
	return fmt.Errorf("remove group %q: %w", name, ErrGroupNotFound)
}

// Config returns the edited copy.
func (e *Editor) Config() *Config {
	return e.cfg
}
