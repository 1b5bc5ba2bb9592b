// Package poller implements the Poller (spec §4.7): for each subscription
// id it dials a remote Listener, completes the identity handshake declaring
// that subscription id, then runs the Request Dispatcher loop on the dialed
// socket — the polling side's role is inverted to callee the moment the
// handshake completes. On disconnect it redials with exponential backoff
// and full jitter.
package poller

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/constants"
	"github.com/fleetrpc/fleetrpc/pkg/dispatcher"
	"github.com/fleetrpc/fleetrpc/pkg/endpoint"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
	"github.com/fleetrpc/fleetrpc/pkg/identity"
	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
	"github.com/fleetrpc/fleetrpc/pkg/trust"
)

// Logger is the minimal logging surface the Poller needs.
type Logger interface {
	Infof(format string, args ...any)
	Error(op string, err error, fields map[string]any)
}

// Subscription names one outbound polling relationship: a subscription id
// announced to remoteEndpoint, a tls://host:port address of a Listener.
type Subscription struct {
	SubscriptionID string
	RemoteEndpoint string
}

// Poller maintains one outbound Connection per Subscription, reconnecting
// with backoff whenever the Connection breaks.
type Poller struct {
	identity        *identity.Identity
	trust           *trust.Set
	dispatcher      *dispatcher.Dispatcher
	handshakeDeadline time.Duration
	log             Logger
	metrics         *metrics.Metrics
}

// New creates a Poller. handshakeDeadline <= 0 uses the spec default (30s).
// m may be nil, in which case handshake outcome counters are simply not
// recorded.
func New(id *identity.Identity, trustSet *trust.Set, disp *dispatcher.Dispatcher, handshakeDeadline time.Duration, log Logger, m *metrics.Metrics) *Poller {
	if handshakeDeadline <= 0 {
		handshakeDeadline = constants.DefaultHandshakeDeadline
	}
	return &Poller{identity: id, trust: trustSet, dispatcher: disp, handshakeDeadline: handshakeDeadline, log: log, metrics: m}
}

// Run drives one Subscription until ctx is canceled: dial, handshake, serve,
// and on any failure back off (start 1s, cap 30s, full jitter) before
// redialing (spec §4.7 "Reconnection").
func (p *Poller) Run(ctx context.Context, sub Subscription) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = constants.PollerBackoffInitial
	bo.MaxInterval = constants.PollerBackoffMax
	bo.MaxElapsedTime = 0 // never give up; the subscription lives as long as ctx does
	bo.RandomizationFactor = 0 // jitter is applied below, over the whole interval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.connectOnce(ctx, sub); err != nil {
			if p.log != nil {
				p.log.Error("poller.connect", err, map[string]any{"subscription_id": sub.SubscriptionID, "remote_endpoint": sub.RemoteEndpoint})
			}
			wait := time.Duration(rand.Int63n(int64(bo.NextBackOff()) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		// connectOnce returning nil means ctx was canceled mid-serve.
		bo.Reset()
	}
}

func (p *Poller) connectOnce(ctx context.Context, sub Subscription) error {
	remote, err := endpoint.Parse(sub.RemoteEndpoint, "")
	if err != nil {
		return err
	}
	ch, err := securechannel.ClientDial(ctx, remote.Authority, p.identity, p.handshakeDeadline)
	if err != nil {
		if p.metrics != nil {
			p.metrics.HandshakeFailures.Inc()
		}
		return err
	}

	if !p.trust.IsTrusted(ch.PeerThumbprint()) {
		_ = ch.Close()
		if p.metrics != nil {
			p.metrics.UntrustedPeers.Inc()
		}
		return errors.NewUntrustedPeerError(sub.RemoteEndpoint, ch.PeerThumbprint())
	}

	c := conn.New(ch, conn.RoleCallee, sub.RemoteEndpoint)
	_, err = c.Handshake(ctx, wire.IdentityAnnounce{
		ProtocolVersion: wire.ProtocolVersion,
		SubscriptionID:  sub.SubscriptionID,
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.HandshakeFailures.Inc()
		}
		_ = ch.Close()
		return err
	}
	if p.metrics != nil {
		p.metrics.HandshakeSuccesses.Inc()
	}

	if p.log != nil {
		p.log.Infof("subscription %s connected to %s", sub.SubscriptionID, sub.RemoteEndpoint)
	}

	err = p.dispatcher.Run(ctx, c)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
