package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/keylime/attestation-agent/httpapi/apierr"
)

func notFoundVersion(version string) error {
	return apierr.New(apierr.NotFound, 404, fmt.Sprintf("unsupported API version %q", version))
}

// VersionHandler serves GET /version.
type VersionHandler interface {
	ServeVersion(w http.ResponseWriter, r *http.Request)
}

// QuoteHandlers serves the version-scoped quote endpoints.
type QuoteHandlers interface {
	ServeIdentity(w http.ResponseWriter, r *http.Request)
	ServeIntegrity(w http.ResponseWriter, r *http.Request)
}

// CertifyHandlers serves the delegated-certification endpoint and its
// default (non-matching) handler.
type CertifyHandlers interface {
	ServeCertifyAppKey(w http.ResponseWriter, r *http.Request)
	ServeDefault(w http.ResponseWriter, r *http.Request)
}

// GeolocationHandler serves the fixed-v2 geolocation endpoint.
type GeolocationHandler interface {
	ServeAttestedGeolocation(w http.ResponseWriter, r *http.Request)
}

// AgentRoutes is the set of handlers NewAgentRouter wires up.
// SupportedVersions is every API version this agent accepts under the
// {version} route parameter, e.g. "2.1", "2.2", "2.3".
type AgentRoutes struct {
	Logger             *slog.Logger
	SupportedVersions  []string
	Version            VersionHandler
	Quotes             QuoteHandlers
	Certify            CertifyHandlers
	Geolocation        GeolocationHandler
	// RequestsPerMinute is the coarse per-client-IP rate limit applied to
	// every route via httprate. It is deliberately loose; the delegated
	// certification endpoint's own sliding-window limiter is the one the
	// spec pins exact semantics to.
	RequestsPerMinute int
}

// NewAgentRouter builds the agent's HTTP route table.
func NewAgentRouter(routes AgentRoutes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Tracing)
	if routes.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(routes.RequestsPerMinute, time.Minute))
	}

	if routes.Version != nil {
		r.Get("/version", routes.Version.ServeVersion)
	}

	if routes.Quotes != nil {
		r.Route("/{version}", func(r chi.Router) {
			r.Use(versionGuard(routes.SupportedVersions))
			r.Get("/quotes/identity", routes.Quotes.ServeIdentity)
			r.Get("/quotes/integrity", routes.Quotes.ServeIntegrity)
		})
	}

	if routes.Certify != nil {
		r.Post("/delegated_certification/certify_app_key", routes.Certify.ServeCertifyAppKey)
		r.HandleFunc("/delegated_certification/*", routes.Certify.ServeDefault)
	}

	if routes.Geolocation != nil {
		r.Get("/v2/agent/attested_geolocation", routes.Geolocation.ServeAttestedGeolocation)
	}

	return r
}

// versionGuard rejects any {version} path segment not in supported,
// before the request reaches a quote handler.
func versionGuard(supported []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(supported))
	for _, v := range supported {
		allowed[v] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version := chi.URLParam(r, "version")
			if !allowed[version] {
				WriteError(nil, w, notFoundVersion(version))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
