// Package constants defines magic numbers and default values used throughout fleetrpc.
package constants

import "time"

// Handshake and connection lifecycle defaults (spec §4.2, §4.4).
const (
	DefaultHandshakeDeadline = 30 * time.Second
	DefaultIdleDeadline      = 60 * time.Second
	DefaultPlaintextDeadline = 500 * time.Millisecond
	CleanupInterval          = 30 * time.Second
)

// Connection pool defaults (spec §4.4).
const (
	DefaultPoolSizePerEndpoint = 5
)

// Poller reconnect backoff defaults (spec §4.7).
const (
	PollerBackoffInitial = 1 * time.Second
	PollerBackoffMax     = 30 * time.Second
)

// Poll queue defaults (spec §5).
const (
	DefaultPollQueueCapacity = 1000
)

// Shutdown grace period (spec §5).
const (
	DefaultShutdownGrace = 5 * time.Second
)

// Stream attachment sanity cap (spec §4.1): rejects an absurd declared
// length before ever allocating a StreamReader for it.
const (
	MaxStreamAttachment = 1024 * 1024 * 1024 * 4 // 4GB
)

// Protocol version token (spec §6).
const (
	ProtocolVersion = 1
)
