package geoservice

import (
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/keylime/attestation-agent/httpapi"
	"github.com/keylime/attestation-agent/httpapi/apierr"
	"github.com/keylime/attestation-agent/tpm"
)

// Service serves GET /v2/agent/attested_geolocation.
type Service struct {
	Operator *tpm.Operator
	HashAlg  tpm.HashAlg
	PCRIndex int

	Enabled  bool
	Detector *Detector

	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ServeAttestedGeolocation implements §4.6 steps 1-6.
func (s *Service) ServeAttestedGeolocation(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled {
		httpapi.WriteError(s.logger(), w, apierr.Forbidden("geolocation feature is disabled"))
		return
	}

	nonce := r.URL.Query().Get("nonce")
	if nonce == "" {
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("Missing required field: nonce"))
		return
	}

	detected, ok := s.Detector.Detect()
	if !ok {
		httpapi.WriteError(s.logger(), w, apierr.NotFoundErr("no geolocation sensor detected"))
		return
	}

	claim := Claim{
		SensorType:  detected.Type,
		TPMAttested: true,
		TPMPCRIndex: s.PCRIndex,
		Nonce:       nonce,
	}

	switch detected.Type {
	case SensorMobile:
		info := s.Detector.QueryMobileInfo()
		claim.Mobile = &MobileClaim{SensorID: detected.SensorID, IMEI: info.IMEI, IMSI: info.IMSI}
	case SensorGNSS:
		claim.GNSS = &GNSSClaim{SensorID: detected.SensorID}
	}

	digest, err := s.bindClaim(claim, nonce)
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.InternalErr(err))
		return
	}

	s.Operator.Lock()
	err = s.Operator.ExtendPCR(s.PCRIndex, s.HashAlg, digest)
	s.Operator.Unlock()
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.TPMFailure(err))
		return
	}

	httpapi.WriteResult(w, claim)
}

// bindClaim computes H = SHA256(JSON(claim_without_nonce) || nonce)
// (§4.6 step 5, invariant #4).
func (s *Service) bindClaim(claim Claim, nonce string) ([]byte, error) {
	data, err := json.Marshal(claim.withoutNonce())
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append(data, nonce...))
	return sum[:], nil
}

// DetectSummary is the non-attested sensor summary embedded in the
// identity quote when the unified identity feature is on (§4.6, last
// paragraph). It is built from the exact same Detector the attested
// endpoint uses.
type DetectSummary struct {
	SensorType string `json:"sensor_type"`
	SensorID   string `json:"sensor_id"`
	IMEI       string `json:"imei,omitempty"`
	IMSI       string `json:"imsi,omitempty"`
}

// Summarize runs sensor detection and returns the non-attested summary,
// or false if no sensor is present.
func (d *Detector) Summarize() (DetectSummary, bool) {
	detected, ok := d.Detect()
	if !ok {
		return DetectSummary{}, false
	}
	summary := DetectSummary{SensorType: string(detected.Type), SensorID: detected.SensorID}
	if detected.Type == SensorMobile {
		info := d.QueryMobileInfo()
		summary.IMEI = info.IMEI
		summary.IMSI = info.IMSI
	}
	return summary, true
}
