// Package agentstate holds the agent's persisted and runtime identity
// (§3 DATA MODEL) and the startup sequence that establishes it (§4.2).
package agentstate

import (
	"crypto/sha256"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2"

	"github.com/keylime/attestation-agent/tpm"
)

// AgentData is everything persisted to disk so a restart can reattach the
// same AK instead of creating a fresh one. Field names match the wire
// representation the spec's data model names exactly.
type AgentData struct {
	EKHash            string `json:"ek_hash"`
	AKHashAlg         string `json:"ak_hash_alg"`
	AKSignAlg         string `json:"ak_sign_alg"`
	AKPublic          []byte `json:"ak_public"`
	AKPrivateBlob     []byte `json:"ak_private_blob"`
	AKPersistentHandle uint32 `json:"ak_persistent_handle,omitempty"`
}

// Valid reports whether AgentData can be reused for the given current
// configuration, per the §3 AgentData invariant: the triple
// (ek_hash, hash_alg, sign_alg) must match exactly.
func (d *AgentData) Valid(ekHash string, hashAlg tpm.HashAlg, signAlg tpm.SignAlg) bool {
	if d == nil {
		return false
	}
	return d.EKHash == ekHash && d.AKHashAlg == string(hashAlg) && d.AKSignAlg == string(signAlg)
}

// LoadAgentData reads agent_data from workDir. A missing file is not an
// error; it returns (nil, nil) so the caller knows to create a fresh AK.
func LoadAgentData(workDir string) (*AgentData, error) {
	path := agentDataPath(workDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agentstate: read %s: %w", path, err)
	}
	var ad AgentData
	if err := json.Unmarshal(data, &ad); err != nil {
		return nil, fmt.Errorf("agentstate: parse %s: %w", path, err)
	}
	return &ad, nil
}

// Save writes AgentData to workDir/agent_data.
func (d *AgentData) Save(workDir string) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("agentstate: marshal agent_data: %w", err)
	}
	if err := os.WriteFile(agentDataPath(workDir), data, 0o600); err != nil {
		return fmt.Errorf("agentstate: write agent_data: %w", err)
	}
	return nil
}

func agentDataPath(workDir string) string {
	return workDir + "/agent_data"
}

// EKHash computes the ek_hash used as the AgentData binding key and,
// optionally, the agent's UUID: SHA256 over the EK's PEM-encoded public
// area.
func EKHash(ekPublicDER []byte) string {
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: ekPublicDER})
	sum := sha256.Sum256(block)
	return fmt.Sprintf("%x", sum)
}

// Identity is the outgoing registration payload (§3 AgentIdentity).
type Identity struct {
	UUID          string
	AKPublic      []byte
	EKPublic      []byte
	EKCert        []byte
	IAKAttest     []byte
	IAKSignature  []byte
	IAKCert       []byte
	IAKPublic     []byte
	IDevIDCert    []byte
	IDevIDPublic  []byte
	ContactIP     string
	ContactPort   int
	MTLSCert      []byte
	APIVersions   []string
}

// DeviceKeys are the two long-lived RSA key pairs generated at startup
// (step 6): the payload key bound as quote extra-data, and the mTLS key
// used for the agent's own leaf certificate.
type DeviceKeys struct {
	PayloadKey *KeyPair
	MTLSKey    *KeyPair
}

// PublicAreaToPEM renders a TPM2B_PUBLIC's RSA modulus as a PEM
// "PUBLIC KEY" block, matching §4.1's contract that extra_public_key is
// "serialized to PEM and hashed."
func PublicAreaToPEM(pub tpm2.TPM2BPublic) ([]byte, error) {
	contents, err := pub.Contents()
	if err != nil {
		return nil, fmt.Errorf("agentstate: decode public area: %w", err)
	}
	der, err := rsaPublicKeyDER(contents)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
