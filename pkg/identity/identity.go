// Package identity loads and generates the X.509 identities that anchor
// fleetrpc's trust model: participants are recognized by certificate
// thumbprint, not by chain validation (spec §3 "Identity").
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // thumbprint is a fingerprint, not a security boundary by itself
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

// Identity is a local X.509 certificate plus its private key, addressable by
// its lowercase hex SHA-1 thumbprint (spec GLOSSARY).
type Identity struct {
	cert       tls.Certificate
	thumbprint string
}

// FromTLSCertificate wraps an already-loaded tls.Certificate.
func FromTLSCertificate(cert tls.Certificate) (*Identity, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.NewProtocolViolationError("certificate has no leaf DER bytes", nil)
	}
	return &Identity{
		cert:       cert,
		thumbprint: Thumbprint(cert.Certificate[0]),
	}, nil
}

// Load reads a PEM-encoded certificate and private key pair.
func Load(certPEM, keyPEM []byte) (*Identity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.NewProtocolViolationError("parsing identity certificate/key", err)
	}
	return FromTLSCertificate(cert)
}

// GenerateSelfSigned creates a fresh ECDSA P-256 self-signed certificate, for
// local testing and zero-config pairing. Production deployments are expected
// to load a real identity with Load; credential provisioning is out of scope
// for this runtime (spec §1 "Out of scope").
func GenerateSelfSigned(commonName string, validFor time.Duration) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.NewProtocolViolationError("generating identity key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.NewProtocolViolationError("generating serial number", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.NewProtocolViolationError("creating self-signed certificate", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return FromTLSCertificate(cert)
}

// TLSCertificate returns the underlying tls.Certificate for use in a
// tls.Config's Certificates slice.
func (id *Identity) TLSCertificate() tls.Certificate {
	return id.cert
}

// Thumbprint returns the lowercase hex SHA-1 of the DER-encoded leaf
// certificate, fixed for the lifetime of the Identity.
func (id *Identity) Thumbprint() string {
	return id.thumbprint
}

// EncodePEM renders the leaf certificate as a PEM block, e.g. for printing or
// exchange out-of-band during pairing.
func (id *Identity) EncodePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.cert.Certificate[0]})
}

// Thumbprint computes the lowercase hex SHA-1 thumbprint of a DER-encoded
// certificate. This is the sole identity token the runtime trusts; no chain
// validation is performed anywhere (spec §1 Non-goals, §4.2).
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec // fingerprint, matches spec GLOSSARY definition verbatim
	return hex.EncodeToString(sum[:])
}

// ThumbprintFromCertificate extracts the thumbprint from a parsed certificate.
func ThumbprintFromCertificate(cert *x509.Certificate) string {
	return Thumbprint(cert.Raw)
}

// Validate checks that the identity's certificate is not obviously expired,
// as a courtesy to callers; it performs no chain or revocation validation.
func Validate(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("certificate not valid at %s (window %s..%s)", now, cert.NotBefore, cert.NotAfter)
	}
	return nil
}
