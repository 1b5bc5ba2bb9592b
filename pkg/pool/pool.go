// Package pool implements the per-endpoint bounded LIFO cache of idle
// Connections (spec §4.4). LIFO keeps recently-used sockets warm.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/constants"
)

// Dialer establishes a fresh Connection for endpoint when the pool has
// nothing idle to offer. It is expected to complete TLS and the identity
// sub-handshake, returning a Connection already in conn.StateIdle.
type Dialer func(ctx context.Context, endpoint string) (*conn.Connection, error)

// Config controls pool sizing and staleness (spec §4.4).
type Config struct {
	// MaxIdlePerEndpoint soft-bounds how many Idle connections are kept per
	// endpoint; connections released beyond the bound are closed immediately.
	MaxIdlePerEndpoint int

	// IdleDeadline is how long a connection may sit idle before acquire
	// discards it instead of reusing it.
	IdleDeadline time.Duration
}

// DefaultConfig returns the spec's default pool sizing: 5 idle connections
// per endpoint, 60s idle deadline.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerEndpoint: constants.DefaultPoolSizePerEndpoint,
		IdleDeadline:       constants.DefaultIdleDeadline,
	}
}

// Stats reports lifetime counters and current occupancy, mirroring the
// teacher's PoolStats/HostPoolStats shape.
type Stats struct {
	TotalCreated int
	TotalReused  int
	TotalEvicted int
	PerEndpoint  map[string]EndpointStats
}

// EndpointStats reports per-endpoint idle occupancy.
type EndpointStats struct {
	IdleConns int
}

type endpointPool struct {
	mu   sync.Mutex
	idle []*conn.Connection // LIFO: push/pop from the tail
}

// Pool is the per-endpoint connection pool.
type Pool struct {
	config  Config
	dial    Dialer
	metrics *metrics.Metrics

	mu    sync.Mutex
	pools map[string]*endpointPool

	statsCreated atomic.Uint64
	statsReused  atomic.Uint64
	statsEvicted atomic.Uint64
}

// New creates a Pool with config, dialing fresh connections via dial when
// none are idle. m may be nil, in which case occupancy gauges and lifetime
// counters are simply not recorded.
func New(config Config, dial Dialer, m *metrics.Metrics) *Pool {
	if config.MaxIdlePerEndpoint <= 0 {
		config.MaxIdlePerEndpoint = constants.DefaultPoolSizePerEndpoint
	}
	if config.IdleDeadline <= 0 {
		config.IdleDeadline = constants.DefaultIdleDeadline
	}
	return &Pool{
		config:  config,
		dial:    dial,
		metrics: m,
		pools:   make(map[string]*endpointPool),
	}
}

func (p *Pool) endpointPoolFor(endpoint string) *endpointPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.pools[endpoint]
	if !ok {
		ep = &endpointPool{}
		p.pools[endpoint] = ep
	}
	return ep
}

// Acquire pops the most-recently-released Idle connection for endpoint,
// discarding (and retrying) any that have gone stale or cannot be acquired
// due to a race with eviction; if none are available it dials a fresh one
// (spec §4.4 step 1-2).
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*conn.Connection, error) {
	ep := p.endpointPoolFor(endpoint)

	for {
		ep.mu.Lock()
		n := len(ep.idle)
		if n == 0 {
			ep.mu.Unlock()
			break
		}
		c := ep.idle[n-1]
		ep.idle = ep.idle[:n-1]
		ep.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolIdleConnections.WithLabelValues(endpoint).Set(float64(n - 1))
		}

		if c.IsStale(p.config.IdleDeadline) {
			p.statsEvicted.Add(1)
			if p.metrics != nil {
				p.metrics.PoolConnectionsEvicted.Inc()
			}
			c.MarkBroken()
			_ = c.Close()
			continue
		}
		if err := c.Acquire(); err != nil {
			_ = c.Close()
			continue
		}
		p.statsReused.Add(1)
		if p.metrics != nil {
			p.metrics.PoolConnectionsReused.Inc()
			p.metrics.PoolBusyConnections.WithLabelValues(endpoint).Inc()
		}
		return c, nil
	}

	c, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if err := c.Acquire(); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.statsCreated.Add(1)
	if p.metrics != nil {
		p.metrics.PoolConnectionsCreated.Inc()
		p.metrics.PoolBusyConnections.WithLabelValues(endpoint).Inc()
	}
	return c, nil
}

// Release returns c to the pool if it is Idle after the release transition;
// a Busy->Idle transition failing (i.e. the Connection broke mid-use) or an
// already-broken Connection is simply destroyed, never re-pooled (spec
// §4.4, §8.8 idempotence-of-release).
func (p *Pool) Release(c *conn.Connection) {
	c.Release()
	if p.metrics != nil {
		p.metrics.PoolBusyConnections.WithLabelValues(c.Endpoint()).Dec()
	}
	if c.State() != conn.StateIdle {
		_ = c.Close()
		return
	}

	ep := p.endpointPoolFor(c.Endpoint())
	ep.mu.Lock()
	if len(ep.idle) >= p.config.MaxIdlePerEndpoint {
		ep.mu.Unlock()
		_ = c.Close()
		return
	}
	ep.idle = append(ep.idle, c)
	n := len(ep.idle)
	ep.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolIdleConnections.WithLabelValues(c.Endpoint()).Set(float64(n))
	}
}

// Drain closes every currently-idle connection across all endpoints, for
// orderly runtime shutdown (spec §4.4 "On runtime shutdown all connections
// are drained").
func (p *Pool) Drain() {
	p.mu.Lock()
	pools := make([]*endpointPool, 0, len(p.pools))
	for _, ep := range p.pools {
		pools = append(pools, ep)
	}
	p.mu.Unlock()

	for _, ep := range pools {
		ep.mu.Lock()
		idle := ep.idle
		ep.idle = nil
		ep.mu.Unlock()
		for _, c := range idle {
			c.MarkBroken()
			_ = c.Close()
		}
	}
}

// Stats returns current pool occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalCreated: int(p.statsCreated.Load()),
		TotalReused:  int(p.statsReused.Load()),
		TotalEvicted: int(p.statsEvicted.Load()),
		PerEndpoint:  make(map[string]EndpointStats, len(p.pools)),
	}
	for endpoint, ep := range p.pools {
		ep.mu.Lock()
		s.PerEndpoint[endpoint] = EndpointStats{IdleConns: len(ep.idle)}
		ep.mu.Unlock()
	}
	return s
}
