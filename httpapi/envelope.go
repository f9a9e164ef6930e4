// Package httpapi holds the version-scoped route table and the JSON
// envelope every handler in this agent writes through.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/keylime/attestation-agent/httpapi/apierr"
)

// envelope is the wire shape of every response: {code, status, results}.
type envelope struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Results any    `json:"results"`
}

// WriteResult writes a 200 envelope carrying results.
func WriteResult(w http.ResponseWriter, results any) {
	writeEnvelope(w, envelope{Code: 200, Status: "OK", Results: results})
}

// WriteError classifies err through apierr.As and writes the matching
// envelope. Handlers call this exactly once, at the point they are about
// to return, never before.
func WriteError(logger *slog.Logger, w http.ResponseWriter, err error) {
	apiErr := apierr.As(err)
	status := apiErr.Status
	if status == 0 {
		status = 500
	}
	if logger != nil {
		logger.Error("request failed", "kind", apiErr.Kind.String(), "status", status, "message", apiErr.Message, "error", apiErr.Err)
	}
	writeEnvelope(w, envelope{Code: status, Status: apiErr.Message, Results: map[string]any{}})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Code)
	_ = json.NewEncoder(w).Encode(env)
}
