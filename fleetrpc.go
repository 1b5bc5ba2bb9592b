// Package fleetrpc provides a secure, bidirectional RPC runtime for fleet
// communication between a central coordinator ("hub") and many remote
// agents ("nodes"). Participants are identified by X.509 certificate
// thumbprint, not by a PKI chain. The runtime supports two transport
// orientations with identical application semantics: a listening party
// accepts inbound TLS connections, and a polling party dials out and then
// services calls in the reverse direction over that same socket, letting a
// hub reach nodes that sit behind NATs or firewalls with no inbound port.
package fleetrpc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fleetrpc/fleetrpc/internal/metrics"
	"github.com/fleetrpc/fleetrpc/internal/observability"
	"github.com/fleetrpc/fleetrpc/internal/pollqueue"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/conn"
	"github.com/fleetrpc/fleetrpc/pkg/constants"
	"github.com/fleetrpc/fleetrpc/pkg/dispatcher"
	"github.com/fleetrpc/fleetrpc/pkg/endpoint"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
	"github.com/fleetrpc/fleetrpc/pkg/friendlypage"
	"github.com/fleetrpc/fleetrpc/pkg/identity"
	"github.com/fleetrpc/fleetrpc/pkg/listener"
	"github.com/fleetrpc/fleetrpc/pkg/poller"
	"github.com/fleetrpc/fleetrpc/pkg/pool"
	"github.com/fleetrpc/fleetrpc/pkg/registry"
	"github.com/fleetrpc/fleetrpc/pkg/rpcclient"
	"github.com/fleetrpc/fleetrpc/pkg/securechannel"
	"github.com/fleetrpc/fleetrpc/pkg/serializer"
	"github.com/fleetrpc/fleetrpc/pkg/trust"
)

// Re-export the types a caller touches most often, so importing only
// fleetrpc covers the common path (spec §4.9 "Runtime").
type (
	// Error is the structured error type every runtime operation returns.
	Error = errors.Error
	// ErrorKind categorizes an Error; see the Kind* constants below.
	ErrorKind = errors.Kind
	// Identity is a local X.509 certificate and private key.
	Identity = identity.Identity
	// Endpoint names a call target: scheme, authority, expected thumbprint.
	Endpoint = endpoint.Endpoint
	// Call describes one outbound invocation, including stream attachments.
	Call = rpcclient.Call
	// Attachment is one request-side stream attached to a Call.
	Attachment = rpcclient.Attachment
	// Result is the decoded outcome of a Call.
	Result = rpcclient.Result
	// Method is one registered service overload.
	Method = registry.Method
	// Handler invokes one resolved method.
	Handler = registry.Handler
	// Page is the configurable plaintext "friendly page" responder.
	Page = friendlypage.Page
	// Logger is the structured-logging surface the runtime accepts. It is
	// deliberately the richest of the sub-package logger interfaces
	// (observability.Logger), so one value satisfies the narrower
	// dispatcher.Logger, listener.Logger, and poller.Logger surfaces too.
	Logger = observability.Logger
)

// Error kind constants, re-exported for callers that want to switch on
// errors.Of(err) without importing pkg/errors directly.
const (
	KindUntrustedPeer     = errors.KindUntrustedPeer
	KindHandshakeFailed   = errors.KindHandshakeFailed
	KindConnectionClosed  = errors.KindConnectionClosed
	KindTimeout           = errors.KindTimeout
	KindServiceNotFound   = errors.KindServiceNotFound
	KindAmbiguousMethod   = errors.KindAmbiguousMethod
	KindServiceInvocation = errors.KindServiceInvocation
	KindProtocolViolation = errors.KindProtocolViolation
	KindQueueFull         = errors.KindQueueFull
	KindShutdown          = errors.KindShutdown
)

// Of returns the Kind of err, or "" if err is not a Runtime-produced Error.
func Of(err error) ErrorKind { return errors.Of(err) }

// GenerateSelfSigned creates a local, zero-config Identity for testing and
// pairing without a certificate authority; see cmd/fleetrpc-gen-cert for the
// equivalent standalone tool.
func GenerateSelfSigned(commonName string, validFor time.Duration) (*Identity, error) {
	return identity.GenerateSelfSigned(commonName, validFor)
}

// Config controls a Runtime's defaults. The zero value is usable; DefaultConfig
// documents what it resolves to.
type Config struct {
	HandshakeDeadline     time.Duration
	PlaintextPeekDeadline time.Duration
	ShutdownGrace         time.Duration
	Pool                  pool.Config
	PollQueueCapacity     int
	Serializer            serializer.Serializer
	Logger                Logger
}

// DefaultConfig returns the spec's defaults throughout.
func DefaultConfig() Config {
	return Config{
		HandshakeDeadline:     constants.DefaultHandshakeDeadline,
		PlaintextPeekDeadline: constants.DefaultPlaintextDeadline,
		ShutdownGrace:         constants.DefaultShutdownGrace,
		Pool:                  pool.DefaultConfig(),
		PollQueueCapacity:     constants.DefaultPollQueueCapacity,
		Serializer:            serializer.NewCBOR(),
	}
}

// Runtime owns the local identity, the trust set, the service registry, any
// Listeners and Pollers, and the connection pool (spec §4.9).
type Runtime struct {
	config   Config
	identity *identity.Identity
	trust    *trust.Set
	registry *registry.Registry
	pool     *pool.Pool
	pollReg  *pollqueue.Registry
	proxy    *rpcclient.Proxy
	dispatch *dispatcher.Dispatcher
	metrics  *metrics.Metrics
	metricsReg *prometheus.Registry

	page *friendlypage.Page

	mu        sync.Mutex
	listeners []*listener.Listener
	group     *errgroup.Group
	groupCtx  context.Context
	cancel    context.CancelFunc
	closed    bool
}

// New creates a Runtime for id, with an empty trust set and registry.
func New(id *identity.Identity, config Config) *Runtime {
	if config.HandshakeDeadline <= 0 {
		config.HandshakeDeadline = constants.DefaultHandshakeDeadline
	}
	if config.PlaintextPeekDeadline <= 0 {
		config.PlaintextPeekDeadline = constants.DefaultPlaintextDeadline
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = constants.DefaultShutdownGrace
	}
	if config.Serializer == nil {
		config.Serializer = serializer.NewCBOR()
	}

	metricsReg := prometheus.NewRegistry()
	r := &Runtime{
		config:     config,
		identity:   id,
		trust:      trust.NewSet(),
		registry:   registry.New(),
		page:       friendlypage.New(),
		metrics:    metrics.New(metricsReg),
		metricsReg: metricsReg,
	}
	r.pool = pool.New(config.Pool, r.dial, r.metrics)
	r.pollReg = pollqueue.New(config.PollQueueCapacity, r.metrics)
	r.proxy = rpcclient.New(r.pool, r.pollReg, config.Serializer)

	var log dispatcher.Logger
	if config.Logger != nil {
		log = config.Logger
	}
	r.dispatch = dispatcher.New(r.registry, config.Serializer, log, r.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	r.group, r.groupCtx, r.cancel = group, groupCtx, cancel
	return r
}

// MetricsGatherer returns the Prometheus registry this Runtime's counters
// and gauges are registered against, for a caller to expose over HTTP (e.g.
// via promhttp.HandlerFor) alongside a Listener's friendly page.
func (r *Runtime) MetricsGatherer() prometheus.Gatherer {
	return r.metricsReg
}

// Trust adds thumbprint to the trust set; calls from or to a peer bearing
// this thumbprint will be accepted.
func (r *Runtime) Trust(thumbprint string) { r.trust.Add(thumbprint) }

// Untrust removes thumbprint from the trust set.
func (r *Runtime) Untrust(thumbprint string) { r.trust.Remove(thumbprint) }

// Register adds one service overload to the runtime's registry. argTypes
// gives the declared parameter types in order (nil entries accept any
// type); handler is invoked with the decoded argument values once an
// incoming call resolves to this overload unambiguously (spec §4.6, §9).
func (r *Runtime) Register(service, method string, argTypes []reflect.Type, handler Handler) {
	r.registry.Register(service, Method{Name: method, Args: argTypes, Handler: handler})
}

// ListenOn binds address and starts accepting Connections on it. It returns
// once the socket is bound; Serve runs on the Runtime's internal group.
func (r *Runtime) ListenOn(address string) (int, error) {
	cfg := listener.Config{
		Address:               address,
		HandshakeDeadline:     r.config.HandshakeDeadline,
		PlaintextPeekDeadline: r.config.PlaintextPeekDeadline,
		FriendlyPage:          r.page,
		Metrics:               r.metrics,
	}
	l := listener.New(cfg, r.identity, r.trust, r.dispatch, r.pollReg, r.config.Logger)

	ready := make(chan error, 1)
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	ctx := r.groupCtx
	r.mu.Unlock()

	r.group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- l.Serve(ctx) }()
		// Serve binds synchronously at the top of its body before blocking
		// on Accept, so a brief settle gives ListenOn an accurate port.
		select {
		case err := <-errCh:
			ready <- err
			return err
		case <-time.After(20 * time.Millisecond):
			ready <- nil
			return <-errCh
		}
	})

	if err := <-ready; err != nil {
		return 0, err
	}
	return l.Port(), nil
}

// Listen binds an ephemeral port on all interfaces and returns it.
func (r *Runtime) Listen() (int, error) {
	return r.ListenOn(":0")
}

// Page returns the Page served by every Listener this Runtime owns. All of a
// Runtime's Listeners share one Page instance, so reconfiguring its body or
// headers takes effect on every bound address, including ones added later.
func (r *Runtime) Page() *Page {
	return r.page
}

// Poll starts a polling subscription: subscriptionID is the
// opaque token announced to remoteEndpoint, a tls://host:port address of a
// Listener belonging to the other side (spec §4.7).
func (r *Runtime) Poll(subscriptionID, remoteEndpoint string) {
	p := poller.New(r.identity, r.trust, r.dispatch, r.config.HandshakeDeadline, r.config.Logger, r.metrics)
	ctx := r.groupCtx
	r.group.Go(func() error {
		return p.Run(ctx, poller.Subscription{SubscriptionID: subscriptionID, RemoteEndpoint: remoteEndpoint})
	})
}

// Invoke performs a call against a tls:// or poll:// endpoint and returns
// the result value as the configured Serializer encoded it (decode it with
// the Serializer's UnmarshalResult). See Do for stream attachment support.
func (r *Runtime) Invoke(ctx context.Context, ep Endpoint, service, method string, args []any) ([]byte, error) {
	return r.proxy.Invoke(ctx, ep, service, method, args)
}

// Do performs an arbitrary Call, including stream attachments in either
// direction.
func (r *Runtime) Do(ctx context.Context, ep Endpoint, call Call) (*Result, error) {
	return r.proxy.Do(ctx, ep, call)
}

// ParseEndpoint parses a tls://, wss://, or poll:// URI, pairing it with the
// thumbprint this Runtime expects to observe on that peer.
func ParseEndpoint(uri, expectedPeerThumbprint string) (Endpoint, error) {
	return endpoint.Parse(uri, expectedPeerThumbprint)
}

// dial implements pool.Dialer for tls:// and wss:// pool keys.
func (r *Runtime) dial(ctx context.Context, poolKey string) (*conn.Connection, error) {
	ep, err := endpoint.Parse(poolKey, "")
	if err != nil {
		return nil, fmt.Errorf("pool dial: %w", err)
	}

	var ch *securechannel.Channel
	if ep.Scheme == endpoint.SchemeWSS {
		ch, err = securechannel.ClientDialWSS(ctx, ep.Authority, ep.Path, r.identity, r.config.HandshakeDeadline)
	} else {
		ch, err = securechannel.ClientDial(ctx, ep.Authority, r.identity, r.config.HandshakeDeadline)
	}
	if err != nil {
		r.metrics.HandshakeFailures.Inc()
		return nil, err
	}
	if !r.trust.IsTrusted(ch.PeerThumbprint()) {
		_ = ch.Close()
		r.metrics.UntrustedPeers.Inc()
		return nil, errors.NewUntrustedPeerError(poolKey, ch.PeerThumbprint())
	}

	c := conn.New(ch, conn.RoleCaller, poolKey)
	if _, err := c.Handshake(ctx, wire.IdentityAnnounce{ProtocolVersion: wire.ProtocolVersion}); err != nil {
		r.metrics.HandshakeFailures.Inc()
		_ = ch.Close()
		return nil, err
	}
	r.metrics.HandshakeSuccesses.Inc()
	return c, nil
}

// Shutdown cancels all pollers and listeners, drains the connection pool,
// and waits up to the configured grace period for in-flight dispatch to
// finish before returning (spec §5 "Shutdown cancels all outstanding
// pollers with Shutdown; in-flight dispatch completes best-effort within a
// grace period then sockets are closed").
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	r.cancel()

	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()

	grace := time.NewTimer(r.config.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}

	r.pool.Drain()
	return nil
}

