package gateway

import (
	"net/http"

	"github.com/keylime/attestation-agent/httpapi/apierr"
)

// Middleware wraps next with the edge filter's admission check. On
// denial it writes the mapped status code and a plain-text message and
// never calls next (§4.7 "Fail-closed on all ambiguous failure modes").
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Admit(r); err != nil {
			apiErr := apierr.As(err)
			http.Error(w, apiErr.Message, apiErr.Status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
