package gateway

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseOID parses a dotted-decimal OID string (e.g. "1.3.6.1.4.1.99999.1.1")
// into an asn1.ObjectIdentifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("gateway: invalid OID component %q in %q: %w", p, s, err)
		}
		oid[i] = n
	}
	return oid, nil
}

// extractClaim parses the forwarded-client-cert header value and returns
// the first Claim found in any certificate's identity extension
// (§4.7 steps 1-3).
func extractClaim(header string, identityOIDs []asn1.ObjectIdentifier) (Claim, bool) {
	pemBlocks := splitForwardedCert(header)
	for _, block := range pemBlocks {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		for _, ext := range cert.Extensions {
			for _, oid := range identityOIDs {
				if ext.Id.Equal(oid) {
					if claim, ok := parseClaim(ext.Value); ok {
						return claim, true
					}
				}
			}
		}
	}
	return Claim{}, false
}

// splitForwardedCert extracts and URL-decodes the Chain= segment of a
// forwarded-client-cert header if present, else the Cert= segment
// (§4.7 step 1), then splits the result into individual PEM blocks
// (§4.7 step 2).
func splitForwardedCert(header string) []*pem.Block {
	value := extractSegment(header, "Chain=")
	if value == "" {
		value = extractSegment(header, "Cert=")
	}
	if value == "" {
		return nil
	}

	decoded, err := url.QueryUnescape(value)
	if err != nil {
		decoded = value
	}

	var blocks []*pem.Block
	rest := []byte(decoded)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// extractSegment finds "key=" within a semicolon/comma-separated header
// value and returns everything up to the next separator (or end of
// string). Quoting (key="...") is stripped.
func extractSegment(header, key string) string {
	idx := strings.Index(header, key)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(key):]
	rest = strings.TrimPrefix(rest, `"`)

	end := len(rest)
	quoted := strings.HasPrefix(header[idx+len(key):], `"`)
	if quoted {
		if i := strings.Index(rest, `"`); i >= 0 {
			end = i
		}
	} else {
		for i, r := range rest {
			if r == ';' || r == ',' {
				end = i
				break
			}
		}
	}
	return rest[:end]
}
