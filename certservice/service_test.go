package certservice_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/certservice"
	"github.com/keylime/attestation-agent/tpm"
)

func newAK(t *testing.T) (*tpm.Operator, *tpm.KeyMaterial, *tpm.KeyMaterial) {
	t.Helper()
	transport, err := tpm.NewTransport(tpm.Config{Kind: tpm.InMemorySimulator})
	require.NoError(t, err)
	op := tpm.NewOperator(transport)
	t.Cleanup(func() { require.NoError(t, op.Close()) })

	ek, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)

	ak, err := op.CreateAK(ek.Handle, tpm.SHA256, tpm.RSASSA)
	require.NoError(t, err)

	return op, ek, ak
}

func TestServeCertifyAppKeyDisabledFeatureFlag(t *testing.T) {
	op, _, ak := newAK(t)
	svc := certservice.NewService(op, ak.Handle, tpm.SHA256, tpm.RSASSA, false, nil, 60, nil)

	req := httptest.NewRequest(http.MethodPost, "/delegated_certification/certify_app_key", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	svc.ServeCertifyAppKey(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeCertifyAppKeyMissingChallengeNonce(t *testing.T) {
	op, _, ak := newAK(t)
	svc := certservice.NewService(op, ak.Handle, tpm.SHA256, tpm.RSASSA, true, nil, 60, nil)

	body, err := json.Marshal(map[string]string{
		"app_key_public":        "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----",
		"app_key_context_path":  "/tmp/does-not-exist.ctx",
		"challenge_nonce":       "",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/delegated_certification/certify_app_key", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	svc.ServeCertifyAppKey(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "challenge_nonce")
}

func TestServeCertifyAppKeyMissingContextFile(t *testing.T) {
	op, _, ak := newAK(t)
	svc := certservice.NewService(op, ak.Handle, tpm.SHA256, tpm.RSASSA, true, nil, 60, nil)

	body, err := json.Marshal(map[string]string{
		"app_key_public":       "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----",
		"app_key_context_path": "/tmp/does-not-exist.ctx",
		"challenge_nonce":      "abcd",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/delegated_certification/certify_app_key", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	svc.ServeCertifyAppKey(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeCertifyAppKeyRejectsUnknownCommand(t *testing.T) {
	op, _, ak := newAK(t)
	svc := certservice.NewService(op, ak.Handle, tpm.SHA256, tpm.RSASSA, true, nil, 60, nil)

	body, err := json.Marshal(map[string]string{
		"command":               "delete_everything",
		"app_key_public":        "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----",
		"app_key_context_path":  "/tmp/does-not-exist.ctx",
		"challenge_nonce":       "abcd",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/delegated_certification/certify_app_key", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	svc.ServeCertifyAppKey(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid command")
}

func TestServeDefaultMethodNotAllowed(t *testing.T) {
	op, _, ak := newAK(t)
	svc := certservice.NewService(op, ak.Handle, tpm.SHA256, tpm.RSASSA, true, nil, 60, nil)

	req := httptest.NewRequest(http.MethodGet, "/delegated_certification/anything", nil)
	rec := httptest.NewRecorder()
	svc.ServeDefault(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestRateLimiterAdmitsOnlyUpToLimit(t *testing.T) {
	rl := certservice.NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
	require.False(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.2"), "a different peer has its own bucket")
}
