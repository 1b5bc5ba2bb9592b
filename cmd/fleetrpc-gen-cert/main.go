// Command fleetrpc-gen-cert generates a self-signed identity for local
// pairing without a certificate authority: fleetrpc trusts peers by
// certificate thumbprint alone (spec §3 "Identity"), so two runtimes only
// need to exchange thumbprints out of band, not a PKI.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fleetrpc/fleetrpc/pkg/identity"
)

func main() {
	commonName := flag.String("cn", "fleetrpc-node", "common name for the self-signed certificate")
	validFor := flag.Duration("valid-for", 365*24*time.Hour, "certificate validity window")
	certOut := flag.String("cert-out", "fleetrpc.crt", "path to write the PEM certificate")
	keyOut := flag.String("key-out", "fleetrpc.key", "path to write the PEM private key")
	flag.Parse()

	id, err := identity.GenerateSelfSigned(*commonName, *validFor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetrpc-gen-cert: %v\n", err)
		os.Exit(1)
	}

	cert := id.TLSCertificate()
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetrpc-gen-cert: marshaling private key: %v\n", err)
		os.Exit(1)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(*certOut, id.EncodePEM(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "fleetrpc-gen-cert: writing %s: %v\n", *certOut, err)
		os.Exit(1)
	}
	if err := os.WriteFile(*keyOut, keyPEM, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "fleetrpc-gen-cert: writing %s: %v\n", *keyOut, err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s and %s\n", *certOut, *keyOut)
	fmt.Printf("thumbprint: %s\n", id.Thumbprint())
}
