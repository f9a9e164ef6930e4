package registrar_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/registrar"
)

func fastRetry() registrar.RetryPolicy {
	return registrar.RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 2}
}

func TestRegisterSucceedsOnOverlappingVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/v3.4/agents/agent-1":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": map[string]string{"blob": base64.StdEncoding.EncodeToString([]byte("challenge"))},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := registrar.NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	// No /version probe: the registrar's current version is unknown, so
	// agent_enabled is tried newest-first and 3.4 succeeds.
	blob, err := client.Register(context.Background(), "agent-1", []string{"1.2", "3.4"}, registrar.RegisterPayload{
		AIKTpm: "aik", EKTpm: "ek", IP: "127.0.0.1", MTLSCert: "cert", Port: 9002,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("challenge"), blob)
}

func TestRegisterIncompatibleAPI(t *testing.T) {
	// S6: registrar only speaks 3.4, agent only speaks 1.2.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": map[string]any{"current_version": "3.4", "supported_versions": []string{"3.4"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := registrar.NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	client.ProbeVersion(context.Background())

	_, err := client.Register(context.Background(), "agent-1", []string{"1.2"}, registrar.RegisterPayload{
		AIKTpm: "aik", EKTpm: "ek", IP: "127.0.0.1", MTLSCert: "cert", Port: 9002,
	})
	require.Error(t, err)
	var incompatible *registrar.IncompatibleAPIError
	require.ErrorAs(t, err, &incompatible)
	require.Equal(t, []string{"1.2"}, incompatible.AgentEnabled)
	require.Equal(t, []string{"3.4"}, incompatible.RegistrarSupported)
}

func TestRegisterAllVersionsRejectedWhenRegistrarUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := registrar.NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	// No ProbeVersion call: Current stays "" (UNKNOWN).

	_, err := client.Register(context.Background(), "agent-1", []string{"1.2", "1.3"}, registrar.RegisterPayload{
		AIKTpm: "aik", EKTpm: "ek", IP: "127.0.0.1", MTLSCert: "cert", Port: 9002,
	})
	require.Error(t, err)
	var rejected *registrar.AllAPIVersionsRejectedError
	require.ErrorAs(t, err, &rejected)
}
