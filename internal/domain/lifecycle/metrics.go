package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
)

// Metrics exports lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	plugins     *prometheus.GaugeVec
	failures    *prometheus.CounterVec
	setup       prometheus.Observer
}

// NewMetrics registers lifecycle collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Committed plugin state transitions, labeled by source and target state",
		}, []string{"from", "to"}),
		plugins: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pluginhost",
			Subsystem: "lifecycle",
			Name:      "plugins",
			Help:      "Managed plugins by current state",
		}, []string{"state"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Subsystem: "lifecycle",
			Name:      "failures_total",
			Help:      "Plugins moved to failed, labeled by error code",
		}, []string{"code"}),
		setup: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pluginhost",
			Subsystem: "lifecycle",
			Name:      "setup_duration_seconds",
			Help:      "Duration of plugin setup callbacks",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) recordCreated() {
	if m == nil {
		return
	}
	m.plugins.WithLabelValues(string(StateUnresolved)).Inc()
}

// recordTransition moves a plugin between state gauges. Deleted records are
// dropped from the gauge.
func (m *Metrics) recordTransition(from, to State) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.plugins.WithLabelValues(string(from)).Dec()
	if to != StateDeleted {
		m.plugins.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) recordFailure(err error) {
	if m == nil {
		return
	}
	code := failure.CodeOf(err)
	if code == "" {
		code = "UNKNOWN"
	}
	m.failures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) setupTimer() func() {
	if m == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(m.setup)
	return func() {
		timer.ObserveDuration()
	}
}
