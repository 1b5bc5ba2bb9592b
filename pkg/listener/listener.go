// Package listener implements the Listener (spec §4.5): binds a TCP port,
// accepts sockets, peeks for a plaintext HTTP client before committing to a
// TLS handshake, and dispatches each accepted Connection either to the
// Request Dispatcher (normal listening) or to the poll-queue drain loop
// (polling inversion), keyed by the subscription id the peer declares.
package listener

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/internal/pollqueue"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/constants"
	"github.com/fleetrpc/fleetrpc/pkg/dispatcher"
	"github.com/fleetrpc/fleetrpc/pkg/friendlypage"
	"github.com/fleetrpc/fleetrpc/pkg/identity"
	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
	"github.com/fleetrpc/fleetrpc/pkg/trust"
)

// Logger is the minimal logging surface the Listener needs.
type Logger interface {
	Infof(format string, args ...any)
	Error(op string, err error, fields map[string]any)
}

// Config controls one Listener's behavior.
type Config struct {
	Address               string
	HandshakeDeadline      time.Duration
	PlaintextPeekDeadline  time.Duration
	FriendlyPage           *friendlypage.Page
	Metrics                *metrics.Metrics
}

// DefaultConfig returns the spec's default deadlines for address.
func DefaultConfig(address string) Config {
	return Config{
		Address:              address,
		HandshakeDeadline:     constants.DefaultHandshakeDeadline,
		PlaintextPeekDeadline: constants.DefaultPlaintextDeadline,
		FriendlyPage:          friendlypage.New(),
	}
}

// Listener accepts inbound Connections and routes them to either the
// Dispatcher or the poll-queue drain loop.
type Listener struct {
	config     Config
	identity   *identity.Identity
	trust      *trust.Set
	dispatcher *dispatcher.Dispatcher
	pollReg    *pollqueue.Registry
	log        Logger

	ln   net.Listener
	port int
}

// New creates a Listener. It does not bind until Serve is called.
func New(config Config, id *identity.Identity, trustSet *trust.Set, disp *dispatcher.Dispatcher, pollReg *pollqueue.Registry, log Logger) *Listener {
	if config.HandshakeDeadline <= 0 {
		config.HandshakeDeadline = constants.DefaultHandshakeDeadline
	}
	if config.PlaintextPeekDeadline <= 0 {
		config.PlaintextPeekDeadline = constants.DefaultPlaintextDeadline
	}
	if config.FriendlyPage == nil {
		config.FriendlyPage = friendlypage.New()
	}
	return &Listener{config: config, identity: id, trust: trustSet, dispatcher: disp, pollReg: pollReg, log: log}
}

// Port returns the bound TCP port, valid only after Serve has started.
func (l *Listener) Port() int { return l.port }

func (l *Listener) metrics() *metrics.Metrics { return l.config.Metrics }

// Serve binds the configured address and runs the accept loop until ctx is
// canceled or the listener socket is closed. Each accepted socket is
// processed on its own goroutine (spec §4.5: "Listener accepts concurrently;
// each accepted socket is processed on its own task").
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return err
	}
	l.ln = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.port = tcpAddr.Port
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(ctx, raw)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	br, looksHTTP, err := securechannel.LooksLikePlaintextHTTP(raw, l.config.PlaintextPeekDeadline)
	if err != nil {
		// Fewer than the four bytes the sniff needs arrived within the peek
		// deadline: fail fast rather than hold the socket open (spec §6
		// "Plaintext HTTP on a TLS port").
		_ = raw.Close()
		return
	}
	if looksHTTP {
		if err := friendlypage.ServeAndClose(raw, br, l.config.FriendlyPage); err != nil && l.log != nil {
			l.log.Error("listener.friendly_page", err, map[string]any{"remote_addr": raw.RemoteAddr().String()})
		}
		return
	}

	ch, err := securechannel.ServerUpgrade(ctx, &peekedConn{Conn: raw, br: br}, l.identity, l.config.HandshakeDeadline)
	if err != nil {
		if l.metrics() != nil {
			l.metrics().HandshakeFailures.Inc()
		}
		if l.log != nil {
			l.log.Error("listener.handshake", err, map[string]any{"remote_addr": raw.RemoteAddr().String()})
		}
		return
	}

	if !l.trust.IsTrusted(ch.PeerThumbprint()) {
		_ = ch.Close()
		if l.metrics() != nil {
			l.metrics().UntrustedPeers.Inc()
		}
		if l.log != nil {
			l.log.Infof("rejected untrusted peer %s", ch.PeerThumbprint())
		}
		return
	}

	c := conn.New(ch, conn.RoleCallee, l.config.Address)
	peerIdentity, err := c.Handshake(ctx, wire.IdentityAnnounce{ProtocolVersion: wire.ProtocolVersion})
	if err != nil {
		if l.metrics() != nil {
			l.metrics().HandshakeFailures.Inc()
		}
		if l.log != nil {
			l.log.Error("listener.identity_handshake", err, map[string]any{"remote_addr": raw.RemoteAddr().String()})
		}
		_ = ch.Close()
		return
	}
	if l.metrics() != nil {
		l.metrics().HandshakeSuccesses.Inc()
	}

	if peerIdentity.SubscriptionID != "" {
		// Polling-in connection: the hub is the caller on this socket even
		// though it only accepted, never dialed (spec §4.5 step 4, §4.7).
		c.SetRole(conn.RoleCaller)
		if err := pollqueue.Drain(ctx, l.pollReg, c); err != nil && l.log != nil {
			l.log.Error("listener.poll_drain", err, map[string]any{"subscription_id": peerIdentity.SubscriptionID})
		}
		return
	}

	if err := l.dispatcher.Run(ctx, c); err != nil && l.log != nil {
		l.log.Error("listener.dispatch", err, map[string]any{"connection_id": c.ID()})
	}
}

// peekedConn wraps a net.Conn whose first bytes have already been buffered
// by securechannel.LooksLikePlaintextHTTP's bufio.Reader, so the TLS
// handshake reads from the buffer first instead of losing those bytes.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}
