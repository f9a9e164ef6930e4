// Package quoteservice implements the identity and integrity quote
// endpoints (§4.4).
package quoteservice

import (
	"encoding/hex"
	"strconv"

	"github.com/keylime/attestation-agent/httpapi/apierr"
)

// decodeNonce validates and hex-decodes a nonce query parameter. The
// alphanumeric check runs before hex-decoding and uses the exact message
// text the source's nonce validator emits, preserved here for
// compatibility with existing test suites (S3).
func decodeNonce(raw string, maxBytes int) ([]byte, error) {
	if raw == "" {
		return nil, apierr.BadRequest("Missing required field: nonce")
	}
	for _, r := range raw {
		isAlnum := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isAlnum {
			return nil, apierr.BadRequest("nonce should be strictly alphanumeric")
		}
	}
	decoded, err := hex.DecodeString(padOddHex(raw))
	if err != nil {
		return nil, apierr.BadRequest("nonce is not valid hex: %v", err)
	}
	if maxBytes > 0 && len(decoded) > maxBytes {
		return nil, apierr.BadRequest("nonce exceeds maximum length of %d bytes", maxBytes)
	}
	return decoded, nil
}

// padOddHex left-pads an odd-length hex string with a zero nibble; the
// source accepts odd-length alphanumeric nonces by treating them as valid
// hex digit sequences, not just even-length byte strings.
func padOddHex(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

func parseHexMask(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	s := raw
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	mask, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, apierr.BadRequest("mask is not valid hex: %v", err)
	}
	return uint32(mask), nil
}
