// Package certservice implements the delegated certification endpoint
// (§4.5): certifying sidecar-provided application-key handles with the
// agent's AK.
package certservice

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"

	"github.com/keylime/attestation-agent/tpm"
)

// maxChallengeNonceBytes is the supplemented phase-3 ceiling on
// challenge_nonce length (SPEC_FULL.md supplemented feature #2).
const maxChallengeNonceBytes = 256

// Service serves POST /delegated_certification/certify_app_key.
type Service struct {
	Operator *tpm.Operator
	AKHandle tpm2.TPMHandle
	HashAlg  tpm.HashAlg
	SignAlg  tpm.SignAlg

	Enabled        bool
	AllowedPeerIPs map[string]bool
	RateLimiter    *RateLimiter

	Logger *slog.Logger
}

// NewService builds a Service. allowedPeerIPs may be nil or empty, in
// which case the IP allowlist check is skipped entirely (§4.5 admission
// step 2: "If a peer-IP allowlist is configured and non-empty...").
func NewService(op *tpm.Operator, akHandle tpm2.TPMHandle, hashAlg tpm.HashAlg, signAlg tpm.SignAlg, enabled bool, allowedPeerIPs []string, rateLimit int, logger *slog.Logger) *Service {
	allow := make(map[string]bool, len(allowedPeerIPs))
	for _, ip := range allowedPeerIPs {
		allow[ip] = true
	}
	return &Service{
		Operator:       op,
		AKHandle:       akHandle,
		HashAlg:        hashAlg,
		SignAlg:        signAlg,
		Enabled:        enabled,
		AllowedPeerIPs: allow,
		RateLimiter:    NewRateLimiter(rateLimit),
		Logger:         logger,
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
