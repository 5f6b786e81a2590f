package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type coreMetrics struct {
	activeSessions     prometheus.Gauge
	boundIdentities    prometheus.Gauge
	sessionTotal       prometheus.Counter
	eventErrors        *prometheus.CounterVec
	eventLatency       *prometheus.HistogramVec
	messagesRouted     *prometheus.CounterVec
	readReceipts       prometheus.Counter
	presenceBroadcasts prometheus.Counter
}

func newCoreMetrics(reg prometheus.Registerer) *coreMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &coreMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beeline_sessions_active",
			Help: "Current number of open client connections.",
		}),
		boundIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beeline_identities_online",
			Help: "Identities currently bound to a live connection.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beeline_sessions_total",
			Help: "Total number of connections handled since start.",
		}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beeline_event_errors_total",
			Help: "Event validation or routing errors by code.",
		}, []string{"code"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beeline_event_latency_seconds",
			Help:    "Latency for handling client events.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beeline_messages_routed_total",
			Help: "Persisted messages by delivery outcome (live or queued).",
		}, []string{"outcome"}),
		readReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beeline_read_receipts_total",
			Help: "Read receipts pushed to senders.",
		}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beeline_presence_broadcasts_total",
			Help: "Presence snapshot broadcasts.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.boundIdentities,
		m.sessionTotal,
		m.eventErrors,
		m.eventLatency,
		m.messagesRouted,
		m.readReceipts,
		m.presenceBroadcasts,
	)
	return m
}

func (m *coreMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *coreMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *coreMetrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.boundIdentities.Set(float64(n))
}

func (m *coreMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.eventErrors.WithLabelValues(code).Inc()
}

func (m *coreMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.eventLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *coreMetrics) recordRouted(outcome string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(outcome).Inc()
}

func (m *coreMetrics) recordReceipt() {
	if m == nil {
		return
	}
	m.readReceipts.Inc()
}

func (m *coreMetrics) recordBroadcast() {
	if m == nil {
		return
	}
	m.presenceBroadcasts.Inc()
}
