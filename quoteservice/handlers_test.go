package quoteservice_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/agentstate"
	"github.com/keylime/attestation-agent/quoteservice"
	"github.com/keylime/attestation-agent/tpm"
)

func newTestService(t *testing.T) *quoteservice.Service {
	t.Helper()
	transport, err := tpm.NewTransport(tpm.Config{Kind: tpm.InMemorySimulator})
	require.NoError(t, err)
	op := tpm.NewOperator(transport)
	t.Cleanup(func() { require.NoError(t, op.Close()) })

	ek, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)
	ak, err := op.CreateAK(ek.Handle, tpm.SHA256, tpm.RSASSA)
	require.NoError(t, err)

	payloadKey, err := agentstate.LoadOrGenerateKeyPair(filepath.Join(t.TempDir(), "payload_key.pem"))
	require.NoError(t, err)

	return &quoteservice.Service{
		Operator:      op,
		AKHandle:      ak.Handle,
		HashAlg:       tpm.SHA256,
		SignAlg:       tpm.RSASSA,
		PayloadKey:    payloadKey,
		MaxNonceBytes: 32,
	}
}

func TestServeIdentityReturnsQuote(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/identity?nonce=deadbeef", nil)
	w := httptest.NewRecorder()
	svc.ServeIdentity(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Results struct {
			Quote   string `json:"quote"`
			Pubkey  string `json:"pubkey"`
			HashAlg string `json:"hash_alg"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Results.Quote)
	require.NotEmpty(t, body.Results.Pubkey)
	require.Equal(t, "sha256", body.Results.HashAlg)
}

func TestServeIdentityRejectsNonAlphanumericNonce(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/identity?nonce=not-hex!", nil)
	w := httptest.NewRecorder()
	svc.ServeIdentity(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeIntegrityOmitsPubkeyWhenPartial(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/integrity?nonce=deadbeef&mask=0x1&partial=1", nil)
	w := httptest.NewRecorder()
	svc.ServeIntegrity(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Results struct {
			Quote  string `json:"quote"`
			Pubkey string `json:"pubkey"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Results.Quote)
	require.Empty(t, body.Results.Pubkey)
}

func TestServeIntegrityIncludesPubkeyByDefault(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/integrity?nonce=deadbeef", nil)
	w := httptest.NewRecorder()
	svc.ServeIntegrity(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Results struct {
			Pubkey string `json:"pubkey"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Results.Pubkey)
}

func TestServeIntegrityRejectsBadMask(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/integrity?nonce=deadbeef&mask=zz", nil)
	w := httptest.NewRecorder()
	svc.ServeIntegrity(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// The attest (TPMS_ATTEST) and signature lengths are fixed by the key/hash
// algorithm regardless of which PCRs are selected, so a quote_blob taken
// over a non-empty mask must decode to more bytes than one taken over an
// empty mask -- the only thing that can grow is the trailing pcr_blob.
func decodedQuoteBlobLen(t *testing.T, svc *quoteservice.Service, mask string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/integrity?nonce=deadbeef&mask="+mask, nil)
	w := httptest.NewRecorder()
	svc.ServeIntegrity(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Results struct {
			Quote string `json:"quote"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Results.Quote)

	raw, err := base64.StdEncoding.DecodeString(body.Results.Quote)
	require.NoError(t, err)
	return len(raw)
}

func TestServeIntegrityQuoteBlobCarriesPCRSelect(t *testing.T) {
	svc := newTestService(t)

	emptyMaskLen := decodedQuoteBlobLen(t, svc, "0x0")
	onePCRMaskLen := decodedQuoteBlobLen(t, svc, "0x1")

	require.Greater(t, onePCRMaskLen, emptyMaskLen, "quote_blob must grow when the mask selects a PCR, since only pcr_blob can vary in length")
}
