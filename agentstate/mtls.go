package agentstate

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// leafCertValidity is long enough that the agent is not expected to
// rotate its own mTLS leaf across ordinary restarts.
const leafCertValidity = 10 * 365 * 24 * time.Hour

// BuildMTLSLeafCert builds a self-signed DER certificate for keys,
// covering contactIP as a SAN, per §4.2 step 7 ("mTLS leaf certificate
// covering the agent's contact IPs, signed by its own key").
func BuildMTLSLeafCert(keys *KeyPair, contactIP string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("agentstate: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "keylime-agent"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if ip := net.ParseIP(contactIP); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &keys.Private.PublicKey, keys.Private)
	if err != nil {
		return nil, fmt.Errorf("agentstate: create mTLS leaf certificate: %w", err)
	}
	return der, nil
}
