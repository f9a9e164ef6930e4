package agentstate

import (
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"

	"github.com/keylime/attestation-agent/tpm"
)

// IdentityResult is what EstablishIdentity returns: the EK, the AK, the
// derived ek_hash, and whether the AK lives at a persistent handle.
// EstablishIdentity takes op's mutex itself for the duration of the call,
// so the caller must not already hold it.
type IdentityResult struct {
	EK          *tpm.KeyMaterial
	AK          *tpm.KeyMaterial
	EKHash      string
	AKPersisted bool
}

// EstablishIdentity implements §4.2 steps 2-4. workDir holds agent_data,
// the persisted AgentData record keyed on (ek_hash, hash_alg, sign_alg).
func EstablishIdentity(op *tpm.Operator, workDir string, hashAlg tpm.HashAlg, signAlg tpm.SignAlg, akPersistentHandle uint32, logger *slog.Logger) (*IdentityResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	op.Lock()
	defer op.Unlock()

	ek, err := op.CreateEK(hashAlg)
	if err != nil {
		return nil, fmt.Errorf("agentstate: create EK: %w", err)
	}

	ekContents, err := ek.Public.Contents()
	if err != nil {
		return nil, fmt.Errorf("agentstate: decode EK public: %w", err)
	}
	ekDER, err := rsaPublicKeyDER(ekContents)
	if err != nil {
		return nil, fmt.Errorf("agentstate: render EK public: %w", err)
	}
	ekHash := EKHash(ekDER)

	existing, err := LoadAgentData(workDir)
	if err != nil {
		return nil, err
	}

	if existing.Valid(ekHash, hashAlg, signAlg) {
		ak, err := reloadAK(op, ek.Handle, existing)
		if err == nil {
			logger.Info("reloaded persisted AK", "ek_hash", ekHash)
			return &IdentityResult{EK: ek, AK: ak, EKHash: ekHash, AKPersisted: existing.AKPersistentHandle != 0}, nil
		}
		logger.Warn("failed to reload persisted AK, creating a new one", "error", err)
	}

	ak, err := op.CreateAK(ek.Handle, hashAlg, signAlg)
	if err != nil {
		return nil, fmt.Errorf("agentstate: create AK: %w", err)
	}

	ad := &AgentData{
		EKHash:        ekHash,
		AKHashAlg:     string(hashAlg),
		AKSignAlg:     string(signAlg),
		AKPublic:      marshalOrNil(ak.Public),
		AKPrivateBlob: marshalOrNil(*ak.Private),
	}

	if akPersistentHandle != 0 {
		if err := op.Persist(ak.Handle, ak.Name, tpm2.TPMHandle(akPersistentHandle)); err != nil {
			logger.Warn("failed to persist AK, keeping it volatile", "error", err)
		} else {
			ad.AKPersistentHandle = akPersistentHandle
		}
	}

	if err := ad.Save(workDir); err != nil {
		return nil, err
	}

	return &IdentityResult{EK: ek, AK: ak, EKHash: ekHash, AKPersisted: ad.AKPersistentHandle != 0}, nil
}

func reloadAK(op *tpm.Operator, ekHandle tpm2.TPMHandle, ad *AgentData) (*tpm.KeyMaterial, error) {
	if ad.AKPersistentHandle != 0 {
		return op.LoadPersistentHandle(tpm2.TPMHandle(ad.AKPersistentHandle))
	}

	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](ad.AKPublic)
	if err != nil {
		return nil, fmt.Errorf("agentstate: decode persisted AK public: %w", err)
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](ad.AKPrivateBlob)
	if err != nil {
		return nil, fmt.Errorf("agentstate: decode persisted AK private: %w", err)
	}
	return op.LoadAK(ekHandle, *pub, *priv)
}

func marshalOrNil(v any) []byte {
	switch t := v.(type) {
	case tpm2.TPM2BPublic:
		b, err := tpm2.Marshal(t)
		if err != nil {
			return nil
		}
		return b
	case tpm2.TPM2BPrivate:
		b, err := tpm2.Marshal(t)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}
