// Package scan runs bounded-concurrency sweeps of miner address ranges and
// tracks their lifecycle as sessions.
package scan

import (
	"net/netip"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// Outcome classifies a single address probe.
type Outcome string

const (
	// OutcomeFound means a miner answered and passed the group filter.
	OutcomeFound Outcome = "found"
	// OutcomeNoDevice means nothing spoke the API at the address.
	OutcomeNoDevice Outcome = "no_device"
	// OutcomeTimeout means the probe hit its deadline.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeFiltered means a miner answered but failed the group filter.
	OutcomeFiltered Outcome = "filtered"
)

// Event is the closed set of messages emitted by a running scan. Consumers
// switch on the concrete type; every type below implements it.
type Event interface {
	isEvent()
}

// AddressProbed reports the outcome of one address. Miner is non-nil only
// when Outcome is OutcomeFound.
type AddressProbed struct {
	Group   string
	Addr    netip.Addr
	Outcome Outcome
	Miner   *models.Miner
	Err     error
}

// GroupProgress reports cumulative progress for one group.
type GroupProgress struct {
	Group  string
	Probed int
	Total  int
}

// GroupCompleted is sent exactly once per group, after every AddressProbed
// for that group.
type GroupCompleted struct {
	Group string
}

// SessionCompleted is the terminal event of a scan that ran to completion.
type SessionCompleted struct{}

// SessionCancelled is the terminal event of a cancelled scan.
type SessionCancelled struct{}

// SessionFailed is the terminal event of a scan that aborted on an internal
// error.
type SessionFailed struct {
	Err error
}

func (AddressProbed) isEvent()    {}
func (GroupProgress) isEvent()    {}
func (GroupCompleted) isEvent()   {}
func (SessionCompleted) isEvent() {}
func (SessionCancelled) isEvent() {}
func (SessionFailed) isEvent()    {}
