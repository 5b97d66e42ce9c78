package miner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/internal/event"
)

// TopicCandidateFound is published when the passive listener spots a likely
// miner announcing itself on the local network.
const TopicCandidateFound = "discovery.candidate"

// Candidate is the payload for TopicCandidateFound events.
type Candidate struct {
	IP       string    `json:"ip"`
	Hostname string    `json:"hostname"`
	Service  string    `json:"service"`
	SeenAt   time.Time `json:"seen_at"`
}

// minerHostPatterns match hostnames advertised by common ASIC firmwares.
var minerHostPatterns = []string{
	"antminer",
	"whatsminer",
	"avalon",
	"bosminer",
	"braiins",
	"iceriver",
	"bitaxe",
}

// MDNSListener passively discovers miners from mDNS service announcements.
// It never probes anything itself; candidates are published on the bus so an
// operator (or the UI) can add them to a scan group.
type MDNSListener struct {
	bus      *event.Bus
	logger   *zap.Logger
	interval time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // IP -> last announcement (dedup within interval)
}

// NewMDNSListener creates a listener that queries _http._tcp every interval.
func NewMDNSListener(bus *event.Bus, logger *zap.Logger, interval time.Duration) *MDNSListener {
	return &MDNSListener{
		bus:      bus,
		logger:   logger,
		interval: interval,
		seen:     make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled. The caller runs it in a goroutine.
func (l *MDNSListener) Run(ctx context.Context) {
	l.logger.Info("mDNS miner listener started", zap.Duration("interval", l.interval))

	l.query(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("mDNS miner listener stopped")
			return
		case <-ticker.C:
			l.query(ctx)
		}
	}
}

func (l *MDNSListener) query(ctx context.Context) {
	const service = "_http._tcp"

	entries := make(chan *mdns.ServiceEntry, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			l.processEntry(ctx, entry, service)
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = 3 * time.Second
	params.Entries = entries
	params.DisableIPv6 = true

	if err := mdns.Query(params); err != nil {
		l.logger.Debug("mDNS query failed", zap.Error(err))
	}
	close(entries)
	wg.Wait()

	l.expireSeen()
}

func (l *MDNSListener) processEntry(ctx context.Context, entry *mdns.ServiceEntry, service string) {
	if entry == nil || entry.AddrV4 == nil {
		return
	}

	name := strings.ToLower(entry.Host + " " + entry.Name)
	if !matchesMinerPattern(name) {
		return
	}

	ip := entry.AddrV4.String()
	if l.recentlySeen(ip) {
		return
	}

	l.logger.Info("miner candidate announced via mDNS",
		zap.String("ip", ip),
		zap.String("host", entry.Host),
	)

	l.bus.Publish(ctx, event.Event{
		Topic:  TopicCandidateFound,
		Source: "mdns",
		Payload: &Candidate{
			IP:       ip,
			Hostname: strings.TrimSuffix(entry.Host, "."),
			Service:  service,
			SeenAt:   time.Now().UTC(),
		},
	})
}

func matchesMinerPattern(name string) bool {
	for _, p := range minerHostPatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func (l *MDNSListener) recentlySeen(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.seen[ip]; ok && time.Since(t) < l.interval {
		return true
	}
	l.seen[ip] = time.Now()
	return false
}

// expireSeen drops stale dedup entries so the map does not grow forever.
func (l *MDNSListener) expireSeen() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, t := range l.seen {
		if time.Since(t) > 2*l.interval {
			delete(l.seen, ip)
		}
	}
}
