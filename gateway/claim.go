package gateway

import "encoding/json"

// Claim is the in-memory shape the edge filter populates from the
// certificate's identity extension, regardless of which JSON schema the
// extension used (§4.7 step 3, §9 Design Notes: "explicit schema with
// backward-compatible fallback").
type Claim struct {
	SensorType string
	SensorID   string
	IMEI       string
	IMSI       string
	MSISDN     string
	Lat        float64
	Lon        float64
	Accuracy   float64
}

// nestedExtension is the primary (current) schema: a top-level
// "grc.geolocation" object carrying either "mobile" or "gnss".
type nestedExtension struct {
	GRCGeolocation struct {
		Mobile *struct {
			SensorID  string `json:"sensor_id"`
			IMEI      string `json:"sensor_imei"`
			IMSI      string `json:"sim_imsi"`
			MSISDN    string `json:"sim_msisdn"`
			Location  struct {
				Lat      float64 `json:"lat"`
				Lon      float64 `json:"lon"`
				Accuracy float64 `json:"accuracy"`
			} `json:"location_verification"`
		} `json:"mobile"`
		GNSS *struct {
			SensorID string `json:"sensor_id"`
			Serial   string `json:"sensor_serial_number"`
			Location struct {
				Lat      float64 `json:"lat"`
				Lon      float64 `json:"lon"`
				Accuracy float64 `json:"accuracy"`
			} `json:"retrieved_location"`
		} `json:"gnss"`
	} `json:"grc.geolocation"`
}

// flatExtension is the backward-compatible fallback schema (§4.7 step 3).
type flatExtension struct {
	SensorType string  `json:"sensor_type"`
	SensorID   string  `json:"sensor_id"`
	IMEI       string  `json:"imei"`
	IMSI       string  `json:"imsi"`
	MSISDN     string  `json:"msisdn"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Accuracy   float64 `json:"accuracy"`
}

// parseClaim decodes an identity extension's JSON value into a Claim,
// trying the nested schema first and falling back to the flat one. It
// returns (Claim{}, false) if neither schema yields a populated claim.
func parseClaim(raw []byte) (Claim, bool) {
	var nested nestedExtension
	if err := json.Unmarshal(raw, &nested); err == nil {
		switch {
		case nested.GRCGeolocation.Mobile != nil:
			m := nested.GRCGeolocation.Mobile
			return Claim{
				SensorType: "mobile",
				SensorID:   m.SensorID,
				IMEI:       m.IMEI,
				IMSI:       m.IMSI,
				MSISDN:     m.MSISDN,
				Lat:        m.Location.Lat,
				Lon:        m.Location.Lon,
				Accuracy:   m.Location.Accuracy,
			}, true
		case nested.GRCGeolocation.GNSS != nil:
			g := nested.GRCGeolocation.GNSS
			return Claim{
				SensorType: "gnss",
				SensorID:   g.SensorID,
				Lat:        g.Location.Lat,
				Lon:        g.Location.Lon,
				Accuracy:   g.Location.Accuracy,
			}, true
		}
	}

	var flat flatExtension
	if err := json.Unmarshal(raw, &flat); err == nil && flat.SensorType != "" {
		return Claim{
			SensorType: flat.SensorType,
			SensorID:   flat.SensorID,
			IMEI:       flat.IMEI,
			IMSI:       flat.IMSI,
			MSISDN:     flat.MSISDN,
			Lat:        flat.Lat,
			Lon:        flat.Lon,
			Accuracy:   flat.Accuracy,
		}, true
	}

	return Claim{}, false
}
