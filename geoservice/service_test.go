package geoservice_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/geoservice"
	"github.com/keylime/attestation-agent/tpm"
)

func newOperator(t *testing.T) *tpm.Operator {
	t.Helper()
	transport, err := tpm.NewTransport(tpm.Config{Kind: tpm.InMemorySimulator})
	require.NoError(t, err)
	op := tpm.NewOperator(transport)
	t.Cleanup(func() { require.NoError(t, op.Close()) })
	return op
}

func TestServeAttestedGeolocationDisabled(t *testing.T) {
	op := newOperator(t)
	svc := &geoservice.Service{Operator: op, HashAlg: tpm.SHA256, PCRIndex: 15, Enabled: false, Detector: geoservice.NewDetector(nil, nil, "")}

	req := httptest.NewRequest(http.MethodGet, "/v2/agent/attested_geolocation?nonce=abcd1234", nil)
	rec := httptest.NewRecorder()
	svc.ServeAttestedGeolocation(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeAttestedGeolocationNoSensor(t *testing.T) {
	op := newOperator(t)
	svc := &geoservice.Service{Operator: op, HashAlg: tpm.SHA256, PCRIndex: 15, Enabled: true, Detector: geoservice.NewDetector(nil, []string{"/no/such/device"}, "")}

	req := httptest.NewRequest(http.MethodGet, "/v2/agent/attested_geolocation?nonce=abcd1234", nil)
	rec := httptest.NewRecorder()
	svc.ServeAttestedGeolocation(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeAttestedGeolocationExtendsPCR(t *testing.T) {
	op := newOperator(t)

	gnssPath := t.TempDir() + "/gnss0"
	f, err := os.Create(gnssPath)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	svc := &geoservice.Service{
		Operator: op, HashAlg: tpm.SHA256, PCRIndex: 16, Enabled: true,
		Detector: geoservice.NewDetector(nil, []string{gnssPath}, ""),
	}

	before, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v2/agent/attested_geolocation?nonce=abcd1234", nil)
	rec := httptest.NewRecorder()
	svc.ServeAttestedGeolocation(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	after, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestClaimSerializationRoundTrip(t *testing.T) {
	lat := 37.7749
	claim := geoservice.Claim{
		SensorType:  geoservice.SensorGNSS,
		GNSS:        &geoservice.GNSSClaim{SensorID: "gnss0", Lat: &lat},
		TPMAttested: true,
		TPMPCRIndex: 15,
		Nonce:       "abcd",
	}
	require.Equal(t, "gnss", string(claim.SensorType))

	data, err := json.Marshal(claim)
	require.NoError(t, err)
	var decoded geoservice.Claim
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, claim, decoded)
}
