package agentstate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/google/go-tpm/tpm2"
)

// KeyPair is a long-lived RSA key pair persisted to disk as PEM.
type KeyPair struct {
	Private *rsa.PrivateKey
}

// LoadOrGenerateKeyPair reads an RSA private key from path, generating and
// writing a fresh 2048-bit key if the file does not exist. Used for both
// the payload key and the mTLS key (§4.2 step 6), which are each
// persistent on disk.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("agentstate: %s is not a PEM file", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("agentstate: parse %s: %w", path, err)
		}
		return &KeyPair{Private: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("agentstate: read %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("agentstate: generate key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("agentstate: write %s: %w", path, err)
	}
	return &KeyPair{Private: key}, nil
}

// PublicPEM renders the key pair's public half as a PEM "PUBLIC KEY"
// block (PKIX/SPKI form).
func (k *KeyPair) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("agentstate: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// rsaPublicKeyDER reconstructs a DER-encoded SPKI public key from a TPM
// RSA public area, so EK/AK public parts can travel through the same PEM
// representation as the payload and mTLS keys.
func rsaPublicKeyDER(contents *tpm2.TPMTPublic) ([]byte, error) {
	rsaParms, err := contents.Parameters.RSADetail()
	if err != nil {
		return nil, fmt.Errorf("agentstate: not an RSA public area: %w", err)
	}
	rsaUnique, err := contents.Unique.RSA()
	if err != nil {
		return nil, fmt.Errorf("agentstate: decode RSA modulus: %w", err)
	}

	exponent := int(rsaParms.Exponent)
	if exponent == 0 {
		exponent = 65537
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(rsaUnique.Buffer),
		E: exponent,
	}
	return x509.MarshalPKIXPublicKey(pub)
}
