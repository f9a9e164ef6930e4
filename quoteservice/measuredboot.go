package quoteservice

import (
	"encoding/base64"
	"log/slog"
	"os"
	"sync"
)

// MeasuredBootLog wraps the measured-boot binary event log. Unlike the
// IMA log it is always rewound and read in full; there is no incremental
// offset to track (§5).
type MeasuredBootLog struct {
	path string
	mu   sync.Mutex
}

func NewMeasuredBootLog(path string) *MeasuredBootLog {
	return &MeasuredBootLog{path: path}
}

// ReadBase64 reads the entire log and base64-encodes it. A missing file
// returns ("", false): the caller omits the response field. A read
// error is logged and also treated as absent, per §4.4 "read error ->
// warn and omit."
func (l *MeasuredBootLog) ReadBase64(logger *slog.Logger) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		if logger != nil {
			logger.Warn("failed to read measured boot log", "path", l.path, "error", err)
		}
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}
