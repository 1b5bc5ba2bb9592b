package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
)

// newTestConnection builds a Connection with a zero-value secure channel.
// This is safe for exercising the lifecycle state machine, which never
// touches the underlying socket; it is not safe for Handshake/Encoder/Decoder
// I/O, which real TLS-backed tests cover elsewhere.
func newTestConnection() *Connection {
	return New(&securechannel.Channel{}, RoleCaller, "tls://example.invalid:9000")
}

func TestNewStartsHandshaking(t *testing.T) {
	c := newTestConnection()
	require.Equal(t, StateHandshaking, c.State())
}

func TestAcquireRequiresIdle(t *testing.T) {
	c := newTestConnection()

	// Still handshaking: Acquire must fail.
	require.Error(t, c.Acquire())

	c.state.Store(int32(StateIdle))
	require.NoError(t, c.Acquire())
	require.Equal(t, StateBusy, c.State())

	// Already busy: a second Acquire must fail.
	require.Error(t, c.Acquire())
}

func TestReleaseIsIdempotentAndStampsLastUsed(t *testing.T) {
	c := newTestConnection()
	c.state.Store(int32(StateIdle))
	require.NoError(t, c.Acquire())

	require.True(t, c.LastUsedAt().IsZero())

	c.Release()
	require.Equal(t, StateIdle, c.State())
	firstStamp := c.LastUsedAt()
	require.False(t, firstStamp.IsZero())

	// Idempotence of release (spec §8.8): releasing again is a harmless no-op.
	c.Release()
	require.Equal(t, StateIdle, c.State())
}

func TestReleaseNeverResurrectsBroken(t *testing.T) {
	c := newTestConnection()
	c.state.Store(int32(StateIdle))
	require.NoError(t, c.Acquire())

	c.MarkBroken()
	require.Equal(t, StateBroken, c.State())

	c.Release()
	require.Equal(t, StateBroken, c.State(), "a broken connection must never be re-pooled")
}

func TestMarkBrokenIsTerminal(t *testing.T) {
	c := newTestConnection()
	c.MarkBroken()
	require.Equal(t, StateBroken, c.State())

	c.state.Store(int32(StateIdle))
	c.MarkBroken()
	require.Equal(t, StateBroken, c.State())
}

func TestSetRoleOverridesConstructedRole(t *testing.T) {
	c := newTestConnection()
	require.Equal(t, RoleCaller, c.Role())

	c.SetRole(RoleCallee)
	require.Equal(t, RoleCallee, c.Role())
}

func TestIsStale(t *testing.T) {
	c := newTestConnection()
	c.state.Store(int32(StateIdle))
	require.NoError(t, c.Acquire())
	c.Release()

	require.False(t, c.IsStale(time.Hour))
	require.True(t, c.IsStale(-time.Second))
}
