package geoservice

// Claim is the tagged-union geolocation claim (§3 "Geolocation claim",
// §4.6 step 4). Exactly one of Mobile/GNSS is populated, matching
// SensorType. Nonce is stripped before hashing (invariant #4) but carried
// in the JSON response.
type Claim struct {
	SensorType  SensorType   `json:"sensor_type"`
	Mobile      *MobileClaim `json:"mobile,omitempty"`
	GNSS        *GNSSClaim   `json:"gnss,omitempty"`
	TPMAttested bool         `json:"tpm_attested"`
	TPMPCRIndex int          `json:"tpm_pcr_index"`
	Nonce       string       `json:"nonce,omitempty"`
}

type MobileClaim struct {
	SensorID string `json:"sensor_id"`
	IMEI     string `json:"imei,omitempty"`
	IMSI     string `json:"imsi,omitempty"`
}

type GNSSClaim struct {
	SensorID        string   `json:"sensor_id"`
	Serial          string   `json:"serial,omitempty"`
	Lat             *float64 `json:"lat,omitempty"`
	Lon             *float64 `json:"lon,omitempty"`
	Accuracy        *float64 `json:"accuracy,omitempty"`
	SensorSignature string   `json:"sensor_signature,omitempty"`
}

// withoutNonce returns a copy of c with Nonce cleared, for hashing
// (§4.6 step 5, invariant #4: "claim_without_nonce").
func (c Claim) withoutNonce() Claim {
	c.Nonce = ""
	return c
}
