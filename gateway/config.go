// Package gateway implements the edge filter (§4.7): parsing the peer
// certificate forwarded by the reverse proxy, extracting the bound
// sensor identity extension, and admitting or rejecting the request per
// policy.
package gateway

import "fmt"

// Mode is the edge filter's verification policy.
type Mode string

const (
	ModeTrust   Mode = "trust"
	ModeRuntime Mode = "runtime"
	ModeStrict  Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTrust, ModeRuntime, ModeStrict:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("gateway: unknown verification_mode %q", s)
	}
}

// DefaultIdentityOIDs are the two configured identity extension OIDs the
// source carries; either is treated as canonical (§9 Open Questions).
var DefaultIdentityOIDs = []string{
	"1.3.6.1.4.1.99999.1.1",
	"1.3.6.1.4.1.99999.1.2",
}
