package gateway_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/gateway"
	"github.com/keylime/attestation-agent/httpapi/apierr"
)

func selfSignedCertWithExtension(t *testing.T, oid asn1.ObjectIdentifier, extJSON []byte) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-sensor"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: oid, Value: extJSON},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func forwardedCertHeader(t *testing.T, certPEM []byte) string {
	t.Helper()
	return "Cert=" + url.QueryEscape(string(certPEM))
}

func newTestService(t *testing.T, mode gateway.Mode, sidecarURL string) *gateway.Service {
	t.Helper()
	metrics := gateway.NewMetrics(prometheus.NewRegistry())
	svc, err := gateway.NewService(gateway.Config{
		VerificationMode: mode,
		SidecarEndpoint:  sidecarURL,
		SidecarTimeout:   2 * time.Second,
	}, metrics, nil)
	require.NoError(t, err)
	return svc
}

func TestAdmitMissingClaimFailsClosed(t *testing.T) {
	svc := newTestService(t, gateway.ModeTrust, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := svc.Admit(req)
	require.Error(t, err)
}

func TestAdmitGNSSAlwaysAdmitted(t *testing.T) {
	oid := gateway.DefaultIdentityOIDs[0]
	parsedOID, err := gateway.ParseOID(oid)
	require.NoError(t, err)

	claim := []byte(`{"grc.geolocation":{"gnss":{"sensor_id":"gnss-1","retrieved_location":{"lat":1.0,"lon":2.0,"accuracy":5.0}}}}`)
	certPEM := selfSignedCertWithExtension(t, parsedOID, claim)

	svc := newTestService(t, gateway.ModeStrict, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Client-Cert", forwardedCertHeader(t, certPEM))

	require.NoError(t, svc.Admit(req))
}

func TestAdmitMobileTrustModeAdmitsDirectly(t *testing.T) {
	oid := gateway.DefaultIdentityOIDs[0]
	parsedOID, err := gateway.ParseOID(oid)
	require.NoError(t, err)

	claim := []byte(`{"grc.geolocation":{"mobile":{"sensor_id":"mobile-1","sensor_imei":"123","sim_imsi":"456"}}}`)
	certPEM := selfSignedCertWithExtension(t, parsedOID, claim)

	svc := newTestService(t, gateway.ModeTrust, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Client-Cert", forwardedCertHeader(t, certPEM))

	require.NoError(t, svc.Admit(req))
}

func TestAdmitMobileRuntimeModeCallsSidecar(t *testing.T) {
	oid := gateway.DefaultIdentityOIDs[0]
	parsedOID, err := gateway.ParseOID(oid)
	require.NoError(t, err)

	claim := []byte(`{"grc.geolocation":{"mobile":{"sensor_id":"mobile-2","sensor_imei":"123","sim_imsi":"456"}}}`)
	certPEM := selfSignedCertWithExtension(t, parsedOID, claim)

	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verification_result": true}`))
	}))
	defer sidecar.Close()

	svc := newTestService(t, gateway.ModeRuntime, sidecar.URL)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Client-Cert", forwardedCertHeader(t, certPEM))

	require.NoError(t, svc.Admit(req))
}

func TestAdmitMobileSidecarDenialFailsClosed(t *testing.T) {
	oid := gateway.DefaultIdentityOIDs[0]
	parsedOID, err := gateway.ParseOID(oid)
	require.NoError(t, err)

	claim := []byte(`{"grc.geolocation":{"mobile":{"sensor_id":"mobile-3","sensor_imei":"123","sim_imsi":"456"}}}`)
	certPEM := selfSignedCertWithExtension(t, parsedOID, claim)

	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sidecar.Close()

	svc := newTestService(t, gateway.ModeStrict, sidecar.URL)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Client-Cert", forwardedCertHeader(t, certPEM))

	require.Error(t, svc.Admit(req))
}

func TestAdmitSidecarTransportErrorIsUnavailable(t *testing.T) {
	oid := gateway.DefaultIdentityOIDs[0]
	parsedOID, err := gateway.ParseOID(oid)
	require.NoError(t, err)

	claim := []byte(`{"grc.geolocation":{"mobile":{"sensor_id":"mobile-4"}}}`)
	certPEM := selfSignedCertWithExtension(t, parsedOID, claim)

	svc := newTestService(t, gateway.ModeRuntime, "http://127.0.0.1:1") // nothing listening
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Client-Cert", forwardedCertHeader(t, certPEM))

	err = svc.Admit(req)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, apierr.As(err).Status)
}
