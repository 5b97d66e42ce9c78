// Package miner talks to ASIC devices over their vendor status APIs. It owns
// device identification and snapshotting; the scan engine consumes it as an
// opaque, possibly-slow, possibly-failing Prober.
package miner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// ErrFiltered is returned by a Prober when a device answered but is excluded
// by the group's allow-list. The address still counts as probed.
var ErrFiltered = errors.New("device excluded by filter")

// ErrHostDown is returned by the liveness pre-check when a host does not
// answer ICMP at all.
var ErrHostDown = errors.New("host not responding to ping")

// Prober attempts to identify and summarize a device at one address.
// Implementations must honor ctx cancellation and deadlines; the scan pool
// applies the per-probe timeout through ctx.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr, filter models.Filter) (*models.Miner, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr netip.Addr, filter models.Filter) (*models.Miner, error)

func (f ProberFunc) Probe(ctx context.Context, addr netip.Addr, filter models.Filter) (*models.Miner, error) {
	return f(ctx, addr, filter)
}

// ProbeError describes a failed probe with enough context to log or display:
// the address, the operation that failed, and the underlying cause.
type ProbeError struct {
	Addr netip.Addr
	Op   string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Timeout reports whether the probe failed by exceeding its deadline.
func (e *ProbeError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
