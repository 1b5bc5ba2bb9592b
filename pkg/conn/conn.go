// Package conn implements the Connection: a Secure Channel plus a Framing
// Codec, in a known role, with an identity-handshake state and an
// idle/busy lifecycle (spec §3 "Connection", §4.3).
package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
)

// Role is which side of a call a Connection plays.
type Role int

const (
	// RoleCaller means this side writes Requests and reads Responses.
	RoleCaller Role = iota
	// RoleCallee means this side reads Requests and writes Responses.
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// State is a Connection's position in the lifecycle state machine
// (spec §4.3).
type State int32

const (
	// StateHandshaking is the state from acceptance/dial until the identity
	// sub-handshake completes.
	StateHandshaking State = iota
	// StateIdle means the Connection may be handed out by the pool.
	StateIdle
	// StateBusy means exactly one caller/callee pair holds the Connection.
	StateBusy
	// StateBroken means the Connection is unusable and must be destroyed;
	// it never transitions to any other state (spec §3 Invariants).
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Connection is a Secure Channel plus a Framing Codec, in a known role, with
// an identity-handshake state and an idle/busy lifecycle (spec §3).
type Connection struct {
	id             string
	channel        *securechannel.Channel
	enc            *wire.Encoder
	dec            *wire.Decoder
	role           Role
	endpoint       string
	subscriptionID string

	state    atomic.Int32
	mu       sync.Mutex // guards lastUsed
	lastUsed time.Time
}

// New wraps an already-TLS-established channel in a Connection, initially
// in StateHandshaking.
func New(channel *securechannel.Channel, role Role, endpoint string) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		channel:  channel,
		enc:      wire.NewEncoder(channel.Conn()),
		dec:      wire.NewDecoder(channel.Conn()),
		role:     role,
		endpoint: endpoint,
	}
	c.state.Store(int32(StateHandshaking))
	return c
}

// ID returns a process-local unique identifier, useful for logs and metrics.
func (c *Connection) ID() string { return c.id }

// Role returns the Connection's role.
func (c *Connection) Role() Role { return c.role }

// SetRole overrides the role a Connection was constructed with. Used by the
// Listener once the identity handshake reveals a polling-in connection,
// whose role is the inverse of how the socket was established: the hub
// accepted the socket but plays RoleCaller on it (spec §4.5 step 4, §4.7).
func (c *Connection) SetRole(r Role) { c.role = r }

// Endpoint returns the endpoint key this Connection belongs to in the pool.
func (c *Connection) Endpoint() string { return c.endpoint }

// PeerThumbprint returns the thumbprint observed during the TLS handshake,
// fixed for the Connection's lifetime (spec §3 Invariants).
func (c *Connection) PeerThumbprint() string { return c.channel.PeerThumbprint() }

// SubscriptionID returns the subscription id declared by the identity
// handshake, if this is a polling-oriented Connection.
func (c *Connection) SubscriptionID() string { return c.subscriptionID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// LastUsedAt returns the time of the last Release, per the Open Question
// decision in spec §9 (updated on release only, not on acquire).
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsStale reports whether the Connection has been idle longer than deadline.
func (c *Connection) IsStale(deadline time.Duration) bool {
	return time.Since(c.LastUsedAt()) > deadline
}

// Close tears down the underlying secure channel.
func (c *Connection) Close() error {
	return c.channel.Close()
}

// MarkBroken transitions the Connection to StateBroken. Idempotent; a
// Connection never leaves StateBroken once entered (spec §3 Invariants).
func (c *Connection) MarkBroken() {
	c.state.Store(int32(StateBroken))
}

// Handshake performs the identity sub-handshake immediately after TLS
// succeeds (spec §4.3): it writes outbound's identity announcement and reads
// the peer's. On any fault, including an unknown protocol version, the
// Connection transitions to StateBroken.
func (c *Connection) Handshake(ctx context.Context, outbound wire.IdentityAnnounce) (*wire.IdentityAnnounce, error) {
	if c.State() != StateHandshaking {
		return nil, errors.NewProtocolViolationError("handshake attempted outside StateHandshaking", nil)
	}

	if err := c.enc.WriteFrame(&wire.Frame{Kind: wire.KindIdentityAnnounce, Identity: &outbound}); err != nil {
		c.MarkBroken()
		return nil, err
	}

	frame, err := c.dec.ReadFrame()
	if err != nil {
		c.MarkBroken()
		return nil, err
	}
	if frame.Kind != wire.KindIdentityAnnounce || frame.Identity == nil {
		c.MarkBroken()
		return nil, errors.NewProtocolViolationError("expected identity announce frame", nil)
	}
	if frame.Identity.ProtocolVersion != wire.ProtocolVersion {
		c.MarkBroken()
		return nil, errors.NewProtocolViolationError("unknown protocol version", nil)
	}

	c.subscriptionID = frame.Identity.SubscriptionID
	c.state.Store(int32(StateIdle))
	return frame.Identity, nil
}

// Acquire transitions StateIdle -> StateBusy. It fails if the Connection is
// not currently Idle (another caller/callee pair already holds it, or it is
// broken).
func (c *Connection) Acquire() error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateBusy)) {
		return errors.NewProtocolViolationError("connection is not idle", nil)
	}
	return nil
}

// Release transitions StateBusy -> StateIdle and stamps LastUsedAt. Calling
// Release on an already-Idle or Broken Connection is a no-op, satisfying the
// idempotence-of-release testable property (spec §8.8): a broken Connection
// is never re-pooled.
func (c *Connection) Release() {
	if !c.state.CompareAndSwap(int32(StateBusy), int32(StateIdle)) {
		return
	}
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Encoder exposes the frame encoder for the caller/callee loops to drive.
func (c *Connection) Encoder() *wire.Encoder { return c.enc }

// Decoder exposes the frame decoder for the caller/callee loops to drive.
func (c *Connection) Decoder() *wire.Decoder { return c.dec }
