// Package metrics exposes the engine's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors every component reports into. A single
// instance is created at startup and handed down; tests build their own so
// collectors never collide on a shared registry.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ActiveSessions      prometheus.Gauge
	SessionsBound       prometheus.Counter
	SessionsEvicted     prometheus.Counter
	MessagesReceived    prometheus.Counter
	MessagesDelivered   *prometheus.CounterVec // label: route=local|remote
	MessagesDropped     prometheus.Counter     // offline recipients
	BusPublishes        prometheus.Counter
	BusPublishFailures  prometheus.Counter
	AuthFailures        prometheus.Counter
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_connections_accepted_total",
			Help: "Connections accepted by the listener.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atomicio_active_sessions",
			Help: "Live sessions on this node, bound or not.",
		}),
		SessionsBound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_sessions_bound_total",
			Help: "Successful binds.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_sessions_evicted_total",
			Help: "Sessions evicted by rebind or idle sweep.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_messages_received_total",
			Help: "Inbound messages decoded by the pipeline.",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atomicio_messages_delivered_total",
			Help: "Messages delivered to recipients.",
		}, []string{"route"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_messages_dropped_total",
			Help: "Envelope recipients with no known location (offline).",
		}),
		BusPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_bus_publishes_total",
			Help: "Messages published to the cluster bus.",
		}),
		BusPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_bus_publish_failures_total",
			Help: "Cluster bus publishes that failed.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomicio_auth_failures_total",
			Help: "Login attempts rejected by the authenticator.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsAccepted, m.ActiveSessions, m.SessionsBound, m.SessionsEvicted,
		m.MessagesReceived, m.MessagesDelivered, m.MessagesDropped,
		m.BusPublishes, m.BusPublishFailures, m.AuthFailures,
	)
	return m
}

// NewNop returns metrics on a throwaway registry, for tests and embedders
// that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
