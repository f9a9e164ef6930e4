package quoteservice

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/keylime/attestation-agent/httpapi"
	"github.com/keylime/attestation-agent/httpapi/apierr"
	"github.com/keylime/attestation-agent/tpm"
)

// quoteResponse is the JSON shape of both the identity and integrity
// responses (§3 Quote, §6 "Binary encodings"). Fields the endpoint does
// not populate are omitted rather than sent as null/empty.
type quoteResponse struct {
	Quote                string `json:"quote"`
	HashAlg              string `json:"hash_alg"`
	EncAlg               string `json:"enc_alg"`
	SignAlg              string `json:"sign_alg"`
	Pubkey               string `json:"pubkey,omitempty"`
	IMAMeasurementList   string `json:"ima_measurement_list,omitempty"`
	MBMeasurementList    string `json:"mb_measurement_list,omitempty"`
	IMAMeasurementListEntry *int `json:"ima_measurement_list_entry,omitempty"`
	Geolocation          any    `json:"geolocation,omitempty"`
}

const encAlg = "rsa"

// buildQuoteBlob assembles the §3 Quote invariant wire shape: a tagged
// concatenation 'r' || tpm_quote || signature || pcr_blob, base64-encoded.
// pcr_blob is the marshaled TPML_PCR_SELECTION the quote was computed
// over (tpm.QuoteResult.PCRSelect) so that a verifier reading quote_blob
// alone can recover which PCRs were selected, including the empty
// selection used by ServeIdentity's mask=0 quote.
func buildQuoteBlob(attest, signature, pcrBlob []byte) string {
	buf := make([]byte, 0, 1+len(attest)+len(signature)+len(pcrBlob))
	buf = append(buf, 'r')
	buf = append(buf, attest...)
	buf = append(buf, signature...)
	buf = append(buf, pcrBlob...)
	return base64.StdEncoding.EncodeToString(buf)
}

// ServeIdentity handles GET /{version}/quotes/identity?nonce=HEX (§4.4
// "identity"). The resulting quote always covers mask=0 (no PCRs beyond
// whatever the TPM always includes), binds in the payload public key's
// digest as extra-data, and carries no IMA slice.
func (s *Service) ServeIdentity(w http.ResponseWriter, r *http.Request) {
	nonce, err := decodeNonce(r.URL.Query().Get("nonce"), s.MaxNonceBytes)
	if err != nil {
		httpapi.WriteError(s.logger(), w, err)
		return
	}

	pubPEM, err := s.PayloadKey.PublicPEM()
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.InternalErr(err))
		return
	}
	pubDigest := sha256.Sum256(pubPEM)

	s.Operator.Lock()
	defer s.Operator.Unlock()

	result, err := s.Operator.Quote(s.AKHandle, s.HashAlg, s.SignAlg, 0, append(nonce, pubDigest[:]...))
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.TPMFailure(err))
		return
	}

	resp := quoteResponse{
		Quote:   buildQuoteBlob(result.Attest, result.Signature, result.PCRSelect),
		HashAlg: string(s.HashAlg),
		EncAlg:  encAlg,
		SignAlg: string(s.SignAlg),
		Pubkey:  string(pubPEM),
	}

	if s.UnifiedIdentity && s.DetectSensor != nil {
		if summary, ok := s.DetectSensor(); ok {
			resp.Geolocation = summary
		}
	}

	httpapi.WriteResult(w, resp)
}

// ServeIntegrity handles GET /{version}/quotes/integrity (§4.4
// "integrity"). mask selects the PCR bank; partial controls whether the
// payload public key is included; ima_ml_entry resumes the IMA log from a
// caller-chosen offset.
func (s *Service) ServeIntegrity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	nonce, err := decodeNonce(q.Get("nonce"), s.MaxNonceBytes)
	if err != nil {
		httpapi.WriteError(s.logger(), w, err)
		return
	}

	mask, err := parseHexMask(q.Get("mask"))
	if err != nil {
		httpapi.WriteError(s.logger(), w, err)
		return
	}

	partial := q.Get("partial")
	var includePubkey bool
	switch partial {
	case "0", "":
		includePubkey = true
	case "1":
		includePubkey = false
	default:
		httpapi.WriteError(s.logger(), w, apierr.BadRequest("partial must be 0 or 1"))
		return
	}

	fromEntry := 0
	if raw := q.Get("ima_ml_entry"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			httpapi.WriteError(s.logger(), w, apierr.BadRequest("ima_ml_entry must be a non-negative integer"))
			return
		}
		fromEntry = n
	}

	pubPEM, err := s.PayloadKey.PublicPEM()
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.InternalErr(err))
		return
	}
	pubDigest := sha256.Sum256(pubPEM)

	resp := quoteResponse{
		HashAlg: string(s.HashAlg),
		EncAlg:  encAlg,
		SignAlg: string(s.SignAlg),
	}
	if includePubkey {
		resp.Pubkey = string(pubPEM)
	}

	if tpm.CheckMask(mask, 0) && s.MeasuredBoot != nil {
		if snapshot, ok := s.MeasuredBoot.ReadBase64(s.logger()); ok {
			resp.MBMeasurementList = snapshot
		}
	}

	// The IMA slice is captured before the quote is computed, so the PCR
	// values the quote reports reflect at least the entries returned here
	// (§4.4 "Ordering").
	if s.IMALog != nil {
		slice, present, err := s.IMALog.ReadFrom(fromEntry)
		if err != nil {
			httpapi.WriteError(s.logger(), w, apierr.InternalErr(err))
			return
		}
		if present {
			resp.IMAMeasurementList = slice.Text
			next := slice.NextEntryIndex
			resp.IMAMeasurementListEntry = &next
		}
	}

	s.Operator.Lock()
	defer s.Operator.Unlock()

	result, err := s.Operator.Quote(s.AKHandle, s.HashAlg, s.SignAlg, mask, append(nonce, pubDigest[:]...))
	if err != nil {
		httpapi.WriteError(s.logger(), w, apierr.TPMFailure(err))
		return
	}
	resp.Quote = buildQuoteBlob(result.Attest, result.Signature, result.PCRSelect)

	httpapi.WriteResult(w, resp)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, apierr.BadRequest("empty integer")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apierr.BadRequest("not a non-negative integer")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
