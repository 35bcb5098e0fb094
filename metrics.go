package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	applied      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	pollFailures prometheus.Counter
	reconnects   prometheus.Counter
	degraded     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_payloads_applied_total",
			Help: "Payloads integrated into the repository, by source.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_payloads_dropped_total",
			Help: "Payloads rejected as malformed, by source.",
		}, []string{"source"}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_poll_failures_total",
			Help: "Background snapshot fetches that failed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Push channel reconnect attempts.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_transport_degraded",
			Help: "1 while the push channel is degraded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.applied, m.dropped, m.pollFailures, m.reconnects, m.degraded)
	}
	return m
}

func (m *Metrics) payloadApplied(source string) {
	if m != nil {
		m.applied.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) payloadDropped(source string) {
	if m != nil {
		m.dropped.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) pollFailed() {
	if m != nil {
		m.pollFailures.Inc()
	}
}

func (m *Metrics) reconnectAttempted() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}
