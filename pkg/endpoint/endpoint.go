// Package endpoint parses the two URI forms a Client Proxy can target:
// tls://host:port (and the wss:// WebSocket-upgraded variant) for a
// listening peer, and poll://subscription-id for a polling peer (spec §3
// "Endpoint", §6 "Listener URIs"/"Polling URIs").
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is which half of the transport an Endpoint addresses.
type Scheme int

const (
	// SchemeTLS dials a listening peer directly.
	SchemeTLS Scheme = iota
	// SchemeWSS dials a listening peer through a WebSocket upgrade.
	SchemeWSS
	// SchemePoll enqueues onto a polling peer's subscription queue.
	SchemePoll
)

func (s Scheme) String() string {
	switch s {
	case SchemeTLS:
		return "tls"
	case SchemeWSS:
		return "wss"
	case SchemePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Endpoint names a call target: a transport scheme, the authority (host:port
// for tls/wss, the subscription id for poll), and the thumbprint the caller
// expects to observe during the handshake (spec §3). Path is only meaningful
// for SchemeWSS, naming the HTTP path the WebSocket upgrade request targets.
type Endpoint struct {
	Scheme                Scheme
	Authority             string
	Path                  string
	ExpectedPeerThumbprint string
}

// Parse interprets a raw endpoint URI plus the expected thumbprint. The
// thumbprint travels out-of-band from the URI in this runtime (it is not
// embedded in the string) because it is a trust decision the caller makes,
// not routing information.
func Parse(raw, expectedPeerThumbprint string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "tls", "https":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q missing host:port", raw)
		}
		return Endpoint{Scheme: SchemeTLS, Authority: u.Host, ExpectedPeerThumbprint: expectedPeerThumbprint}, nil
	case "wss":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q missing host:port", raw)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		return Endpoint{Scheme: SchemeWSS, Authority: u.Host, Path: path, ExpectedPeerThumbprint: expectedPeerThumbprint}, nil
	case "poll":
		subID := u.Host
		if subID == "" {
			subID = strings.TrimPrefix(u.Opaque, "//")
		}
		if subID == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q missing subscription id", raw)
		}
		return Endpoint{Scheme: SchemePoll, Authority: subID, ExpectedPeerThumbprint: expectedPeerThumbprint}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q has unsupported scheme %q", raw, u.Scheme)
	}
}

// String renders the Endpoint back to its URI form (without the
// thumbprint, which is never part of the wire-visible address).
func (e Endpoint) String() string {
	if e.Scheme == SchemeWSS && e.Path != "" && e.Path != "/" {
		return fmt.Sprintf("%s://%s%s", e.Scheme, e.Authority, e.Path)
	}
	return fmt.Sprintf("%s://%s", e.Scheme, e.Authority)
}

// PoolKey is the key under which this Endpoint's connections are cached in
// the Connection Pool (spec §4.4 "Pool Entry. Keyed by endpoint").
func (e Endpoint) PoolKey() string {
	return e.String()
}
