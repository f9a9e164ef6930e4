package quoteservice

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"

	"github.com/keylime/attestation-agent/agentstate"
	"github.com/keylime/attestation-agent/tpm"
)

// Service serves the identity and integrity quote endpoints. Everything
// it needs to build a quote_blob is captured at construction time; it
// holds no mutable state of its own besides the IMA/measured-boot log
// readers, which own their own locks.
type Service struct {
	Operator *tpm.Operator
	AKHandle tpm2.TPMHandle
	HashAlg  tpm.HashAlg
	SignAlg  tpm.SignAlg

	PayloadKey    *agentstate.KeyPair
	MaxNonceBytes int

	IMALog          *IMALog
	MeasuredBoot    *MeasuredBootLog

	// UnifiedIdentity, when true, embeds a geolocation claim summary in
	// the identity quote response (§4.4 "identity").
	UnifiedIdentity bool
	// DetectSensor is consulted for the non-attested sensor summary
	// embedded in the identity quote. Both this service and the
	// geolocation service's own handler MUST call the same detection
	// function (§4.6); DetectSensor is that shared function.
	DetectSensor func() (SensorSummary, bool)

	Logger *slog.Logger
}

// SensorSummary is the non-attested sensor summary embedded in the
// identity quote when UnifiedIdentity is on.
type SensorSummary struct {
	SensorType string `json:"sensor_type"`
	SensorID   string `json:"sensor_id"`
	IMEI       string `json:"imei,omitempty"`
	IMSI       string `json:"imsi,omitempty"`
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
