// Package tlsconfig provides the TLS version floor and cipher suite
// selection used by the secure channel's mutually-authenticated sessions
// (spec §4.2). There is no profile surface beyond this: fleetrpc never
// negotiates a chain-validated handshake, so the teacher's broader
// version-profile/cipher-suite-naming surface (SSL 3.0 and legacy RSA
// suites included) has no caller here and was trimmed rather than carried
// over unused.
package tlsconfig

import "crypto/tls"

// SSL/TLS protocol version identifiers used to set a tls.Config's floor.
const (
	// VersionTLS10 is the lowest version ApplyCipherSuites recognizes before
	// falling back to its legacy cipher suite list.
	VersionTLS10 uint16 = tls.VersionTLS10
	// VersionTLS12 is the floor ServerUpgrade/ClientDial configure (spec
	// §4.2: no chain validation, but a modern version floor regardless).
	VersionTLS12 uint16 = tls.VersionTLS12
	// VersionTLS13 selects the AEAD-only cipher suite set ApplyCipherSuites
	// defers to the standard library for.
	VersionTLS13 uint16 = tls.VersionTLS13
)

// CipherSuitesTLS12Secure are the ECDHE/AEAD suites ApplyCipherSuites
// selects for a TLS 1.2 floor.
var CipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// CipherSuitesTLS12Compatible additionally allows CBC mode, for a TLS 1.0
// floor.
var CipherSuitesTLS12Compatible = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
}

// CipherSuitesLegacy is the fallback for anything below a TLS 1.0 floor.
var CipherSuitesLegacy = []uint16{
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
}

// ApplyCipherSuites sets config.CipherSuites to the strongest list still
// compatible with minVersion. TLS 1.3 ignores config.CipherSuites entirely
// (the standard library picks its own AEAD suites), so that case clears it.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		config.CipherSuites = nil
	case minVersion >= VersionTLS12:
		config.CipherSuites = CipherSuitesTLS12Secure
	case minVersion >= VersionTLS10:
		config.CipherSuites = CipherSuitesTLS12Compatible
	default:
		config.CipherSuites = CipherSuitesLegacy
	}
}
