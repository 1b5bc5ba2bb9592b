package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/identity"
	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
)

// startLoopbackServer accepts connections on an ephemeral loopback port and
// drives each through a real TLS handshake and identity sub-handshake, so a
// test's Dialer can hand the pool a Connection indistinguishable from one a
// live Runtime would produce.
func startLoopbackServer(t *testing.T, serverID *identity.Identity) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				channel, err := securechannel.ServerUpgrade(context.Background(), raw, serverID, 2*time.Second)
				if err != nil {
					return
				}
				c := conn.New(channel, conn.RoleCallee, "")
				_, _ = c.Handshake(context.Background(), wire.IdentityAnnounce{ProtocolVersion: wire.ProtocolVersion})
			}()
		}
	}()
	return ln.Addr().String()
}

// testDialer returns a pool.Dialer that dials addr with a fresh client
// identity and completes the identity handshake, landing the Connection in
// conn.StateIdle exactly as Pool.Acquire expects of a freshly dialed one.
func testDialer(t *testing.T, addr string) Dialer {
	t.Helper()
	return func(ctx context.Context, endpoint string) (*conn.Connection, error) {
		clientID, err := identity.GenerateSelfSigned("client", time.Hour)
		if err != nil {
			return nil, err
		}
		channel, err := securechannel.ClientDial(ctx, addr, clientID, 2*time.Second)
		if err != nil {
			return nil, err
		}
		c := conn.New(channel, conn.RoleCaller, endpoint)
		if _, err := c.Handshake(ctx, wire.IdentityAnnounce{ProtocolVersion: wire.ProtocolVersion}); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newTestPool(t *testing.T, config Config) *Pool {
	t.Helper()
	serverID, err := identity.GenerateSelfSigned("server", time.Hour)
	require.NoError(t, err)
	addr := startLoopbackServer(t, serverID)
	return New(config, testDialer(t, addr), nil)
}

func TestAcquireDialsWhenPoolIsEmpty(t *testing.T) {
	p := newTestPool(t, DefaultConfig())

	c, err := p.Acquire(context.Background(), "endpoint-a")
	require.NoError(t, err)
	require.Equal(t, conn.StateBusy, c.State())
	require.Equal(t, 1, p.Stats().TotalCreated)
}

func TestReleaseThenAcquireReusesLIFO(t *testing.T) {
	p := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())

	p.Release(c1)
	p.Release(c2)

	// Most recently released (c2) must come back first.
	got1, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	require.Equal(t, c2.ID(), got1.ID())

	got2, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	require.Equal(t, c1.ID(), got2.ID())

	require.Equal(t, 2, p.Stats().TotalCreated)
	require.Equal(t, 2, p.Stats().TotalReused)
}

func TestReleaseBeyondBoundClosesConnection(t *testing.T) {
	p := newTestPool(t, Config{MaxIdlePerEndpoint: 1, IdleDeadline: time.Minute})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)

	p.Release(c1)
	p.Release(c2)

	require.Equal(t, 1, p.Stats().PerEndpoint["endpoint-a"].IdleConns)
}

func TestAcquireDiscardsStaleConnections(t *testing.T) {
	p := newTestPool(t, Config{MaxIdlePerEndpoint: 5, IdleDeadline: 10 * time.Millisecond})
	ctx := context.Background()

	c, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	p.Release(c)

	time.Sleep(30 * time.Millisecond)

	got, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	require.NotEqual(t, c.ID(), got.ID(), "a stale idle connection must be discarded, not reused")
	require.Equal(t, 1, p.Stats().TotalEvicted)
	require.Equal(t, 2, p.Stats().TotalCreated)
}

func TestDrainClosesIdleConnections(t *testing.T) {
	p := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	c, err := p.Acquire(ctx, "endpoint-a")
	require.NoError(t, err)
	p.Release(c)
	require.Equal(t, 1, p.Stats().PerEndpoint["endpoint-a"].IdleConns)

	p.Drain()

	require.Equal(t, conn.StateBroken, c.State())
	require.Equal(t, 0, p.Stats().PerEndpoint["endpoint-a"].IdleConns)
}

// TestBoundedReuseUnderConcurrency exercises the reuse-bound testable
// property (spec §8.3): with MaxIdlePerEndpoint concurrent callers looping
// acquire/release well past 2000 total calls, the pool must never need more
// than MaxIdlePerEndpoint distinct connections.
func TestBoundedReuseUnderConcurrency(t *testing.T) {
	const concurrency = 3
	const perWorker = 700 // 2100 calls total

	p := newTestPool(t, Config{MaxIdlePerEndpoint: concurrency, IdleDeadline: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				c, err := p.Acquire(ctx, "endpoint-a")
				require.NoError(t, err)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, p.Stats().TotalCreated, concurrency)
}
