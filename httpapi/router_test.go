package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/httpapi"
)

type stubQuotes struct{ called string }

func (s *stubQuotes) ServeIdentity(w http.ResponseWriter, r *http.Request) {
	s.called = "identity"
	w.WriteHeader(http.StatusOK)
}
func (s *stubQuotes) ServeIntegrity(w http.ResponseWriter, r *http.Request) {
	s.called = "integrity"
	w.WriteHeader(http.StatusOK)
}

func TestVersionGuardRejectsUnsupportedVersion(t *testing.T) {
	quotes := &stubQuotes{}
	router := httpapi.NewAgentRouter(httpapi.AgentRoutes{
		SupportedVersions: []string{"2.3"},
		Quotes:            quotes,
	})

	req := httptest.NewRequest(http.MethodGet, "/9.9/quotes/identity?nonce=ab", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Empty(t, quotes.called)
}

func TestVersionGuardAdmitsSupportedVersion(t *testing.T) {
	quotes := &stubQuotes{}
	router := httpapi.NewAgentRouter(httpapi.AgentRoutes{
		SupportedVersions: []string{"2.3"},
		Quotes:            quotes,
	})

	req := httptest.NewRequest(http.MethodGet, "/2.3/quotes/identity?nonce=ab", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "identity", quotes.called)
}

func TestVersionEndpointServesCurrentAndSupported(t *testing.T) {
	router := httpapi.NewAgentRouter(httpapi.AgentRoutes{
		Version: httpapi.Version{CurrentVersion: "2.3", SupportedVersions: []string{"2.1", "2.2", "2.3"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"current_version":"2.3"`)
	require.Contains(t, w.Body.String(), `"supported_versions":["2.1","2.2","2.3"]`)
}
