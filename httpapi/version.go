package httpapi

import "net/http"

// Version implements VersionHandler, serving GET /version with the
// agent's own current/supported API version set (§7 route table).
type Version struct {
	CurrentVersion    string
	SupportedVersions []string
}

func (v Version) ServeVersion(w http.ResponseWriter, r *http.Request) {
	WriteResult(w, map[string]any{
		"current_version":   v.CurrentVersion,
		"supported_versions": v.SupportedVersions,
	})
}
