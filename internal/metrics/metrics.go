// Package metrics defines the Prometheus collectors exported by the server
// on the operator port. All collectors are registered on a private registry
// so tests can create isolated instances without duplicate-registration
// panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectedAgents tracks the current registry size.
	ConnectedAgents prometheus.Gauge

	// CommandsDispatched counts commands accepted and enqueued to an agent.
	CommandsDispatched prometheus.Counter

	// CommandsRejected counts admission-policy rejections, by reason code.
	CommandsRejected *prometheus.CounterVec

	// CommandsCompleted counts CommandResult frames matched to a record.
	CommandsCompleted prometheus.Counter

	// HeartbeatsReceived counts HostInfo frames accepted from agents.
	HeartbeatsReceived prometheus.Counter

	// AuthFailures counts failed handshakes, by reason.
	AuthFailures *prometheus.CounterVec

	// BroadcastsSent counts per-agent broadcast enqueues that succeeded.
	BroadcastsSent prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsfleet_connected_agents",
			Help: "Number of agents currently present in the registry.",
		}),
		CommandsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsfleet_commands_dispatched_total",
			Help: "Commands accepted by the admission policy and enqueued to an agent.",
		}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfleet_commands_rejected_total",
			Help: "Commands refused by the admission policy, by reason code.",
		}, []string{"reason"}),
		CommandsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsfleet_commands_completed_total",
			Help: "Command results received from agents and stored.",
		}),
		HeartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsfleet_heartbeats_received_total",
			Help: "HostInfo heartbeats accepted from registered agents.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfleet_auth_failures_total",
			Help: "Failed TCP handshakes, by reason.",
		}, []string{"reason"}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsfleet_broadcasts_sent_total",
			Help: "Per-agent broadcast deliveries successfully enqueued.",
		}),
	}

	reg.MustRegister(
		m.ConnectedAgents,
		m.CommandsDispatched,
		m.CommandsRejected,
		m.CommandsCompleted,
		m.HeartbeatsReceived,
		m.AuthFailures,
		m.BroadcastsSent,
	)
	return m
}

// Handler returns the HTTP handler serving the exposition format for this
// registry. Mounted at GET /metrics on the operator port.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
