package certservice

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/keylime/attestation-agent/httpapi"
	"github.com/keylime/attestation-agent/httpapi/apierr"
)

// certifyRequest is the body of POST /delegated_certification/certify_app_key
// (§4.5). api_version and command are optional; per SPEC_FULL.md's recorded
// decision, an absent or empty command is treated as implicitly
// "certify_app_key", and any other non-empty value is rejected.
type certifyRequest struct {
	APIVersion        string `json:"api_version"`
	Command           string `json:"command"`
	AppKeyPublic      string `json:"app_key_public"`
	AppKeyContextPath string `json:"app_key_context_path"`
	ChallengeNonce    string `json:"challenge_nonce"`
}

type certifyResponse struct {
	Result            string `json:"result"`
	AppKeyCertificate string `json:"app_key_certificate,omitempty"`
}

// appKeyCertificate is the JSON structure wrapped and base64-encoded as
// app_key_certificate (§3 "Application-key certificate").
type appKeyCertificate struct {
	CertifyData    string `json:"certify_data_b64"`
	Signature      string `json:"signature_b64"`
	ChallengeNonce string `json:"challenge_nonce"`
}

const certifyAppKeyCommand = "certify_app_key"

var errNotPEM = errors.New("certservice: decoded app_key_public is not a PEM block")

// ServeCertifyAppKey handles POST /delegated_certification/certify_app_key.
func (s *Service) ServeCertifyAppKey(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled {
		httpapi.WriteError(s.logger(), w, apierr.Forbidden("delegated certification is disabled"))
		return
	}

	peerIP := peerIP(r.RemoteAddr)
	if len(s.AllowedPeerIPs) > 0 && !s.AllowedPeerIPs[peerIP] {
		httpapi.WriteError(s.logger(), w, apierr.Forbidden("peer %s is not on the allowlist", peerIP))
		return
	}

	if s.RateLimiter != nil && !s.RateLimiter.Allow(peerIP) {
		httpapi.WriteError(s.logger(), w, apierr.RateLimited("rate limit exceeded for peer %s", peerIP))
		return
	}

	var req certifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("invalid JSON body: %v", err))
		return
	}

	if cmd := strings.TrimSpace(req.Command); cmd != "" && cmd != certifyAppKeyCommand {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("Invalid command: %s", req.Command))
		return
	}

	if req.AppKeyPublic == "" {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("Missing required field: app_key_public"))
		return
	}
	if req.AppKeyContextPath == "" {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("Missing required field: app_key_context_path"))
		return
	}
	if req.ChallengeNonce == "" {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("Missing required field: challenge_nonce"))
		return
	}
	if len(req.ChallengeNonce) > maxChallengeNonceBytes {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("challenge_nonce exceeds maximum length of %d bytes", maxChallengeNonceBytes))
		return
	}

	if _, err := os.Stat(req.AppKeyContextPath); err != nil {
		httpapi.WriteError(s.logger(), w, apierr.New(apierr.NotFound, 400, "app_key_context_path does not exist"))
		return
	}

	appKeyPEM, err := normalizeToPEM(req.AppKeyPublic)
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("invalid app_key_public: %v", err))
		return
	}

	s.Operator.Lock()
	defer s.Operator.Unlock()

	appKeyHandle, err := s.Operator.LoadKeyFromContextFile(req.AppKeyContextPath)
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.TPMFailure(err))
		return
	}
	defer s.Operator.FlushContext(appKeyHandle)

	pubDigest := sha256.Sum256(appKeyPEM)
	qd := sha256.Sum256(append(pubDigest[:], req.ChallengeNonce...))

	result, err := s.Operator.CertifyCredential(appKeyHandle, s.AKHandle, s.HashAlg, s.SignAlg, qd[:])
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.TPMFailure(err))
		return
	}

	cert := appKeyCertificate{
		CertifyData:    base64.StdEncoding.EncodeToString(result.Attest),
		Signature:      base64.StdEncoding.EncodeToString(result.Signature),
		ChallengeNonce: req.ChallengeNonce,
	}
	certJSON, err := json.Marshal(cert)
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.InternalErr(err))
		return
	}

	httpapi.WriteResult(w, certifyResponse{
		Result:            "SUCCESS",
		AppKeyCertificate: base64.StdEncoding.EncodeToString(certJSON),
	})
}

// ServeDefault handles every unmatched request under /delegated_certification
// (§4.5): a non-matching POST is a 400, anything but POST is a 405 with an
// Allow header.
func (s *Service) ServeDefault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpapi.WriteError(s.logger(), w, apierr.New(apierr.InputInvalid, 405, "method not allowed"))
		return
	}
	httpapi.WriteError(s.logger(), w, apierr.BadRequest("unknown delegated certification route"))
}

// normalizeToPEM accepts either a raw PEM-encoded public key or a
// base64-wrapped PEM blob and returns the PEM bytes (§4.5 "normalize the
// application-key public value to PEM").
func normalizeToPEM(raw string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(raw), "-----BEGIN") {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(decoded); block == nil {
		return nil, errNotPEM
	}
	return decoded, nil
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
