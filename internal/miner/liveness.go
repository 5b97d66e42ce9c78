package miner

import (
	"context"
	"net/netip"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// LivenessProber wraps another Prober with an ICMP pre-check so that dead
// addresses fail fast instead of burning the full TCP probe timeout. Hosts
// that answer the ping are handed to the wrapped prober unchanged.
type LivenessProber struct {
	next    Prober
	logger  *zap.Logger
	timeout time.Duration
}

// Compile-time interface guard.
var _ Prober = (*LivenessProber)(nil)

// NewLivenessProber creates the pre-check wrapper. timeout bounds the ping
// only; the wrapped probe keeps its own ctx deadline.
func NewLivenessProber(next Prober, logger *zap.Logger, timeout time.Duration) *LivenessProber {
	return &LivenessProber{
		next:    next,
		logger:  logger,
		timeout: timeout,
	}
}

func (l *LivenessProber) Probe(ctx context.Context, addr netip.Addr, filter models.Filter) (*models.Miner, error) {
	alive, err := l.ping(ctx, addr)
	if err != nil {
		// ICMP may be unavailable (permissions, filtering); fall through to
		// the real probe rather than reporting every host as down.
		l.logger.Debug("ping unavailable, skipping pre-check",
			zap.String("ip", addr.String()),
			zap.Error(err),
		)
		return l.next.Probe(ctx, addr, filter)
	}
	if !alive {
		return nil, &ProbeError{Addr: addr, Op: "ping", Err: ErrHostDown}
	}
	return l.next.Probe(ctx, addr, filter)
}

func (l *LivenessProber) ping(ctx context.Context, addr netip.Addr) (bool, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return false, err
	}

	pinger.Count = 1
	pinger.Timeout = l.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	// Run the pinger in a goroutine so ctx cancellation interrupts it.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return false, runErr
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	case <-ctx.Done():
		pinger.Stop()
		return false, ctx.Err()
	}
}
