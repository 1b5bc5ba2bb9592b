// Package errors provides structured error types for the fleetrpc runtime.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind represents the category of error surfaced to callers, per the
// runtime's error handling design.
type Kind string

const (
	// KindUntrustedPeer means the peer thumbprint was not in the trust set,
	// or did not match the endpoint's expected thumbprint.
	KindUntrustedPeer Kind = "untrusted_peer"
	// KindHandshakeFailed means TLS negotiation failed or its deadline expired.
	KindHandshakeFailed Kind = "handshake_failed"
	// KindConnectionClosed means the transport closed before a response
	// was fully received.
	KindConnectionClosed Kind = "connection_closed"
	// KindTimeout means the per-request deadline expired.
	KindTimeout Kind = "timeout"
	// KindServiceNotFound means the registry had no handler for the request.
	KindServiceNotFound Kind = "service_not_found"
	// KindAmbiguousMethod means multiple overloads matched a call equally well.
	KindAmbiguousMethod Kind = "ambiguous_method"
	// KindServiceInvocation means a handler raised a user-level error.
	KindServiceInvocation Kind = "service_invocation"
	// KindProtocolViolation means a malformed frame, unread stream, or
	// unknown protocol version was observed.
	KindProtocolViolation Kind = "protocol_violation"
	// KindQueueFull means a poll queue was at capacity.
	KindQueueFull Kind = "queue_full"
	// KindShutdown means the runtime is shutting down.
	KindShutdown Kind = "shutdown"
)

// Error is a structured error carrying the Kind, the failing operation, a
// human-readable message, the underlying cause, and the contextual fields
// needed to correlate it back to an endpoint, connection, or request.
type Error struct {
	Kind         Kind      `json:"kind"`
	Op           string    `json:"op"`
	Message      string    `json:"message"`
	Cause        error     `json:"cause,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Detail       string    `json:"detail,omitempty"` // remote stack/trace detail, ServiceInvocation only
	Timestamp    time.Time `json:"timestamp"`
}

// Error implements the error interface.
// Format: [kind] op endpoint: message: cause
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Endpoint != "" {
		parts = append(parts, e.Endpoint)
	}

	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}

	return errStr
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target's Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// NewUntrustedPeerError reports a peer thumbprint that is not trusted.
func NewUntrustedPeerError(endpoint, thumbprint string) *Error {
	return &Error{
		Kind:      KindUntrustedPeer,
		Op:        "verify_peer",
		Message:   fmt.Sprintf("peer thumbprint %s is not trusted", thumbprint),
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// NewHandshakeError reports a TLS negotiation failure or deadline expiry.
func NewHandshakeError(endpoint string, cause error) *Error {
	return &Error{
		Kind:      KindHandshakeFailed,
		Op:        "handshake",
		Message:   fmt.Sprintf("handshake failed for %s", endpoint),
		Cause:     cause,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// NewConnectionClosedError reports transport closure before a full response.
func NewConnectionClosedError(endpoint string, cause error) *Error {
	return &Error{
		Kind:      KindConnectionClosed,
		Op:        "read",
		Message:   fmt.Sprintf("connection to %s closed", endpoint),
		Cause:     cause,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError reports a per-request deadline expiry.
func NewTimeoutError(op string, timeout time.Duration) *Error {
	return &Error{
		Kind:      KindTimeout,
		Op:        op,
		Message:   fmt.Sprintf("%s timed out after %v", op, timeout),
		Timestamp: time.Now(),
	}
}

// NewServiceNotFoundError reports a registry miss.
func NewServiceNotFoundError(service, method string) *Error {
	return &Error{
		Kind:      KindServiceNotFound,
		Op:        "resolve",
		Message:   fmt.Sprintf("no handler registered for %s.%s", service, method),
		Timestamp: time.Now(),
	}
}

// NewAmbiguousMethodError reports that candidates matched equally well.
// message must contain the word "Ambiguous" per the testable property.
func NewAmbiguousMethodError(service, method string, candidates []string) *Error {
	return &Error{
		Kind: KindAmbiguousMethod,
		Op:   "resolve",
		Message: fmt.Sprintf("Ambiguous call to %s.%s: candidates %s",
			service, method, strings.Join(candidates, ", ")),
		Timestamp: time.Now(),
	}
}

// NewServiceInvocationError wraps a handler-raised user error. detail carries
// the remote stack/trace information verbatim; it never poisons the Connection.
func NewServiceInvocationError(message, detail string) *Error {
	return &Error{
		Kind:      KindServiceInvocation,
		Op:        "invoke",
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// NewProtocolViolationError reports a malformed frame or protocol misuse.
func NewProtocolViolationError(message string, cause error) *Error {
	return &Error{
		Kind:      KindProtocolViolation,
		Op:        "parse",
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError reports a local I/O failure during op. It is surfaced as
// ProtocolViolation because it always indicates the frame or attachment in
// flight could not be completed.
func NewIOError(op string, cause error) *Error {
	return &Error{
		Kind:      KindProtocolViolation,
		Op:        op,
		Message:   fmt.Sprintf("I/O error during %s", op),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewQueueFullError reports a poll queue at capacity.
func NewQueueFullError(subscriptionID string) *Error {
	return &Error{
		Kind:      KindQueueFull,
		Op:        "enqueue",
		Message:   fmt.Sprintf("poll queue for subscription %q is full", subscriptionID),
		Timestamp: time.Now(),
	}
}

// NewShutdownError reports that the runtime is shutting down.
func NewShutdownError(op string) *Error {
	return &Error{
		Kind:      KindShutdown,
		Op:        op,
		Message:   "runtime is shutting down",
		Timestamp: time.Now(),
	}
}

// IsTimeoutError reports whether err is a Timeout error, a net.Error
// timeout, or a context deadline expiry.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Of returns the Kind of err, or "" if err is not a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsContextCanceled reports whether err is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
