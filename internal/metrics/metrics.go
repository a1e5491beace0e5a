// Package metrics exposes the engine's Prometheus instrumentation.
//
// The state machine is the only writer; every counter/gauge update happens
// on its single dispatch goroutine, so no extra locking is needed here.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's Prometheus collectors. The zero value is not
// usable; construct with New or NewRegistered.
type Metrics struct {
	TransactionsIssued  prometheus.Counter
	TransactionsTimeout prometheus.Counter
	ActiveClients       prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	QueueDepth          prometheus.Gauge
	MessagesSent        *prometheus.CounterVec
}

// New creates a Metrics collector set without registering it.
func New() *Metrics {
	return &Metrics{
		TransactionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nan",
			Subsystem: "engine",
			Name:      "transactions_issued_total",
			Help:      "Driver transactions issued by the state machine.",
		}),
		TransactionsTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nan",
			Subsystem: "engine",
			Name:      "transactions_timeout_total",
			Help:      "Driver transactions that expired before a matching response.",
		}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nan",
			Subsystem: "engine",
			Name:      "active_clients",
			Help:      "Number of connected clients.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nan",
			Subsystem: "engine",
			Name:      "active_sessions",
			Help:      "Number of live publish/subscribe sessions.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nan",
			Subsystem: "queue",
			Name:      "firmware_depth",
			Help:      "Messages currently in flight toward the driver.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nan",
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Terminal send-message outcomes, labelled by result.",
		}, []string{"result"}),
	}
}

// NewRegistered creates a Metrics collector set and registers it with reg.
// Tests that construct multiple engines should pass a fresh registry per
// instance to avoid duplicate-collector panics.
func NewRegistered(reg prometheus.Registerer) *Metrics {
	m := New()
	reg.MustRegister(
		m.TransactionsIssued,
		m.TransactionsTimeout,
		m.ActiveClients,
		m.ActiveSessions,
		m.QueueDepth,
		m.MessagesSent,
	)
	return m
}
