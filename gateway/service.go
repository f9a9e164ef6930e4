package gateway

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/keylime/attestation-agent/httpapi/apierr"
)

// Config is the edge filter's runtime configuration (§4.7).
type Config struct {
	VerificationMode Mode
	SidecarEndpoint  string
	SidecarTimeout   time.Duration
	IdentityOIDs     []string
}

// Service is the edge-filter HTTP middleware/handler: it inspects the
// forwarded client certificate on every request and admits or denies it
// per policy before handing off to next.
type Service struct {
	Mode            Mode
	SidecarEndpoint string
	SidecarTimeout  time.Duration
	IdentityOIDs    []asn1.ObjectIdentifier

	HTTP    *http.Client
	Cache   *VerificationCache
	Metrics *Metrics
	Logger  *slog.Logger
}

// NewService builds a Service from Config, parsing its OID strings once.
func NewService(cfg Config, metrics *Metrics, logger *slog.Logger) (*Service, error) {
	oids := cfg.IdentityOIDs
	if len(oids) == 0 {
		oids = DefaultIdentityOIDs
	}
	parsed := make([]asn1.ObjectIdentifier, 0, len(oids))
	for _, raw := range oids {
		oid, err := ParseOID(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, oid)
	}

	timeout := cfg.SidecarTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Service{
		Mode:            cfg.VerificationMode,
		SidecarEndpoint: cfg.SidecarEndpoint,
		SidecarTimeout:  timeout,
		IdentityOIDs:    parsed,
		HTTP:            &http.Client{},
		Cache:           NewVerificationCache(),
		Metrics:         metrics,
		Logger:          logger,
	}, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// sidecarVerifyRequest is the body posted to sidecar_endpoint/verify
// (§4.7 step 5).
type sidecarVerifyRequest struct {
	SensorID  string  `json:"sensor_id"`
	SensorType string `json:"sensor_type"`
	IMEI      string  `json:"imei,omitempty"`
	IMSI      string  `json:"imsi,omitempty"`
	MSISDN    string  `json:"msisdn,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	SkipCache bool    `json:"skip_cache"`
}

type sidecarVerifyResponse struct {
	VerificationResult bool   `json:"verification_result"`
	Error              string `json:"error,omitempty"`
}

// Admit implements the edge filter's decision for one request (§4.7
// steps 1-6). It returns nil to admit, or an *apierr-shaped error the
// caller's reverse-proxy handler writes back (403/503).
func (s *Service) Admit(r *http.Request) error {
	header := r.Header.Get("X-Forwarded-Client-Cert")
	claim, ok := extractClaim(header, s.IdentityOIDs)
	if !ok {
		s.count("geo_claim_missing")
		return apierr.Forbidden("Geo Claim Missing")
	}

	s.Metrics.RequestTotal.WithLabelValues("claim_found").Inc()

	switch claim.SensorType {
	case "gnss":
		return nil // hardware trust: admit directly
	case "mobile":
		return s.admitMobile(r.Context(), claim)
	default:
		s.count("unknown_sensor_type")
		return apierr.Forbidden("Geo Claim Missing")
	}
}

func (s *Service) admitMobile(ctx context.Context, claim Claim) error {
	if s.Mode == ModeTrust {
		return nil
	}

	if s.Mode == ModeRuntime {
		if result, hit := s.Cache.Get(claim.SensorID); hit {
			if result {
				s.Metrics.VerificationSuccess.Inc()
				return nil
			}
			s.Metrics.VerificationFailure.Inc()
			return apierr.Forbidden("sidecar denied verification (cached)")
		}
	}

	skipCache := s.Mode == ModeStrict

	ok, err := s.callSidecar(ctx, claim, skipCache)
	if err != nil {
		s.count("sidecar_transport_error")
		return apierr.Unavailable(err)
	}

	if s.Mode == ModeRuntime {
		s.Cache.Set(claim.SensorID, ok)
	}

	if !ok {
		s.Metrics.VerificationFailure.Inc()
		return apierr.Forbidden("sidecar denied verification")
	}
	s.Metrics.VerificationSuccess.Inc()
	return nil
}

func (s *Service) callSidecar(ctx context.Context, claim Claim, skipCache bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.SidecarTimeout)
	defer cancel()

	body, err := json.Marshal(sidecarVerifyRequest{
		SensorID:   claim.SensorID,
		SensorType: claim.SensorType,
		IMEI:       claim.IMEI,
		IMSI:       claim.IMSI,
		MSISDN:     claim.MSISDN,
		Lat:        claim.Lat,
		Lon:        claim.Lon,
		Accuracy:   claim.Accuracy,
		SkipCache:  skipCache,
	})
	if err != nil {
		return false, fmt.Errorf("gateway: marshal sidecar request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.SidecarEndpoint+"/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("gateway: build sidecar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.Metrics.SidecarCallTotal.Inc()
	start := time.Now()
	resp, err := s.HTTP.Do(req)
	s.Metrics.SidecarLatencyMillis.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("gateway: sidecar call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, nil
	}

	var vr sidecarVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return false, fmt.Errorf("gateway: decode sidecar response: %w", err)
	}
	if vr.Error != "" {
		return false, nil
	}
	return vr.VerificationResult, nil
}

func (s *Service) count(outcome string) {
	s.Metrics.RequestTotal.WithLabelValues(outcome).Inc()
}
