package registrar

import (
	"errors"
	"fmt"
)

// ErrVersionIncompatible is returned by an attempt function to signal
// "this registrar rejected this particular API version" as opposed to any
// other failure (transport, TPM, auth). The version-selection loop treats
// it specially: it continues to the next candidate version instead of
// aborting.
var ErrVersionIncompatible = errors.New("registrar: API version rejected")

// IsVersionIncompatible reports whether err (or anything it wraps) is the
// version-incompatibility sentinel.
func IsVersionIncompatible(err error) bool {
	return errors.Is(err, ErrVersionIncompatible)
}

// IncompatibleAPIError is returned when no agent_enabled version overlaps
// the registrar's supported_versions (§4.3, §8 S6).
type IncompatibleAPIError struct {
	AgentEnabled       []string
	RegistrarSupported []string
}

func (e *IncompatibleAPIError) Error() string {
	return fmt.Sprintf("registrar: incompatible API versions: agent_enabled=%v registrar_supported=%v", e.AgentEnabled, e.RegistrarSupported)
}

// AllAPIVersionsRejectedError is returned when the registrar's current
// version is UNKNOWN and every agent_enabled version was rejected.
type AllAPIVersionsRejectedError struct {
	AgentEnabled []string
}

func (e *AllAPIVersionsRejectedError) Error() string {
	return fmt.Sprintf("registrar: all API versions rejected: agent_enabled=%v", e.AgentEnabled)
}
