// Package metrics exposes the runtime's health as Prometheus gauges and
// counters: connection pool occupancy, handshake outcomes, and poll-queue
// depth. Registration is optional and side-channel — nothing here changes
// the wire contract described in spec.md §6.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the runtime updates.
type Metrics struct {
	PoolIdleConnections   *prometheus.GaugeVec
	PoolBusyConnections   *prometheus.GaugeVec
	PoolConnectionsCreated prometheus.Counter
	PoolConnectionsReused  prometheus.Counter
	PoolConnectionsEvicted prometheus.Counter

	HandshakeFailures prometheus.Counter
	HandshakeSuccesses prometheus.Counter
	UntrustedPeers     prometheus.Counter

	PollQueueDepth   *prometheus.GaugeVec
	PollQueueDropped prometheus.Counter

	DispatchedRequests prometheus.Counter
	DispatchErrors      *prometheus.CounterVec
}

// New creates a Metrics set and registers it against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// multiple Runtime instances in one process from colliding on metric names.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolIdleConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetrpc",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections currently held per endpoint.",
		}, []string{"endpoint"}),
		PoolBusyConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetrpc",
			Subsystem: "pool",
			Name:      "busy_connections",
			Help:      "Connections currently checked out per endpoint.",
		}, []string{"endpoint"}),
		PoolConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "pool", Name: "connections_created_total",
			Help: "Connections dialed because no idle connection was available.",
		}),
		PoolConnectionsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "pool", Name: "connections_reused_total",
			Help: "Connections served from the idle pool.",
		}),
		PoolConnectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "pool", Name: "connections_evicted_total",
			Help: "Idle connections discarded for exceeding the idle deadline.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "handshake", Name: "failures_total",
			Help: "TLS or identity handshakes that did not complete.",
		}),
		HandshakeSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "handshake", Name: "successes_total",
			Help: "TLS and identity handshakes that reached StateIdle.",
		}),
		UntrustedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "handshake", Name: "untrusted_peers_total",
			Help: "Handshakes rejected because the peer thumbprint was not trusted.",
		}),
		PollQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetrpc", Subsystem: "poll_queue", Name: "depth",
			Help: "Pending requests waiting for a polling-in connection, per subscription id.",
		}, []string{"subscription_id"}),
		PollQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "poll_queue", Name: "dropped_total",
			Help: "Enqueue attempts rejected because the poll queue was full.",
		}),
		DispatchedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "dispatcher", Name: "requests_total",
			Help: "Requests handled by the request dispatcher, across all connections.",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetrpc", Subsystem: "dispatcher", Name: "errors_total",
			Help: "Requests that completed with an error response, by error kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.PoolIdleConnections, m.PoolBusyConnections, m.PoolConnectionsCreated,
		m.PoolConnectionsReused, m.PoolConnectionsEvicted, m.HandshakeFailures,
		m.HandshakeSuccesses, m.UntrustedPeers, m.PollQueueDepth, m.PollQueueDropped,
		m.DispatchedRequests, m.DispatchErrors,
	} {
		reg.MustRegister(c)
	}
	return m
}
