// Package conntiming measures how long each phase of establishing a
// Connection takes: TCP dial, TLS handshake, and the identity sub-handshake.
package conntiming

import (
	"fmt"
	"time"
)

// Metrics captures how long each phase of Connection setup took.
type Metrics struct {
	// DialTime is the time spent establishing the raw TCP connection.
	DialTime time.Duration `json:"dial_time"`

	// TLSHandshake is the time spent performing the mutually-authenticated
	// TLS handshake (spec §4.2).
	TLSHandshake time.Duration `json:"tls_handshake"`

	// IdentityHandshake is the time spent exchanging the identity frame
	// (spec §4.3).
	IdentityHandshake time.Duration `json:"identity_handshake"`

	// TotalSetupTime is the time from NewTimer until Metrics was called.
	TotalSetupTime time.Duration `json:"total_setup_time"`
}

// Timer helps measure Connection setup timings.
type Timer struct {
	start         time.Time
	dialStart     time.Time
	dialEnd       time.Time
	tlsStart      time.Time
	tlsEnd        time.Time
	identityStart time.Time
	identityEnd   time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartDial marks the beginning of the TCP dial.
func (t *Timer) StartDial() { t.dialStart = time.Now() }

// EndDial marks the end of the TCP dial.
func (t *Timer) EndDial() { t.dialEnd = time.Now() }

// StartTLS marks the beginning of the TLS handshake.
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the end of the TLS handshake.
func (t *Timer) EndTLS() { t.tlsEnd = time.Now() }

// StartIdentity marks the beginning of the identity sub-handshake.
func (t *Timer) StartIdentity() { t.identityStart = time.Now() }

// EndIdentity marks the end of the identity sub-handshake.
func (t *Timer) EndIdentity() { t.identityEnd = time.Now() }

// Metrics returns the calculated timing metrics.
func (t *Timer) Metrics() Metrics {
	m := Metrics{TotalSetupTime: time.Since(t.start)}
	if !t.dialStart.IsZero() && !t.dialEnd.IsZero() {
		m.DialTime = t.dialEnd.Sub(t.dialStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.identityStart.IsZero() && !t.identityEnd.IsZero() {
		m.IdentityHandshake = t.identityEnd.Sub(t.identityStart)
	}
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("dial=%v tls=%v identity=%v total=%v",
		m.DialTime, m.TLSHandshake, m.IdentityHandshake, m.TotalSetupTime)
}
