// Package registrar implements the version-negotiating registrar client
// (§4.3): version probing, register, activate, and the version-selection
// algorithm shared by both calls.
package registrar

import "strings"

// VersionState is the registrar's advertised API surface, as learned from
// GET /version, plus this client's cache of the last version that worked.
// It is owned by a single Client value, not a package-level singleton
// (§9 Design Notes: "Global mutable state -> explicit state").
type VersionState struct {
	// Current is the registrar's current_version, or "" if unknown
	// (registrar unreachable during the initial probe).
	Current string
	// Supported is the registrar's supported_versions list.
	Supported []string
	// CachedActive is the last agent_enabled version that succeeded
	// against this registrar; tried first on every subsequent call.
	CachedActive string
}

func normalizeVersion(v string) string {
	return strings.TrimSpace(v)
}

func containsVersion(list []string, v string) bool {
	v = normalizeVersion(v)
	for _, item := range list {
		if normalizeVersion(item) == v {
			return true
		}
	}
	return false
}

// reverse returns a copy of versions in reverse order. agent_enabled is
// stored newest-last, so iterating in reverse yields newest-first.
func reverse(versions []string) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return out
}
