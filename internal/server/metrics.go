package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/event"
)

// Metrics exports scan counters to Prometheus. It feeds off the event bus so
// the engine stays free of metrics concerns.
type Metrics struct {
	registry *prometheus.Registry

	minersDiscovered *prometheus.CounterVec
	scansTotal       *prometheus.CounterVec
	scansActive      prometheus.Gauge
	groupsCompleted  prometheus.Counter
}

// NewMetrics registers the collectors and subscribes them to the bus.
func NewMetrics(bus *event.Bus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		minersDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetscan_miners_discovered_total",
			Help: "Miners discovered, labeled by scan group.",
		}, []string{"group"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetscan_scans_total",
			Help: "Finished scans, labeled by terminal status.",
		}, []string{"status"}),
		scansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetscan_scans_active",
			Help: "Scans currently running.",
		}),
		groupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetscan_groups_completed_total",
			Help: "Scan groups swept to completion.",
		}),
	}

	m.registry.MustRegister(
		m.minersDiscovered,
		m.scansTotal,
		m.scansActive,
		m.groupsCompleted,
	)

	bus.Subscribe(engine.TopicScanStarted, func(_ context.Context, _ event.Event) {
		m.scansActive.Inc()
	})
	bus.Subscribe(engine.TopicMinerDiscovered, func(_ context.Context, e event.Event) {
		if p, ok := e.Payload.(engine.MinerDiscovered); ok {
			m.minersDiscovered.WithLabelValues(p.Group).Inc()
		}
	})
	bus.Subscribe(engine.TopicGroupCompleted, func(_ context.Context, _ event.Event) {
		m.groupsCompleted.Inc()
	})
	for _, topic := range []string{engine.TopicScanCompleted, engine.TopicScanCancelled, engine.TopicScanFailed} {
		bus.Subscribe(topic, func(_ context.Context, e event.Event) {
			m.scansActive.Dec()
			if p, ok := e.Payload.(engine.ScanFinished); ok {
				m.scansTotal.WithLabelValues(p.Status).Inc()
			}
		})
	}

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
