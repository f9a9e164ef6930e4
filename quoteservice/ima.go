package quoteservice

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// imaState records how many bytes of the IMA log have been handed out and
// the entry index after the last one read. ReadFrom updates it but does not
// consult it: every call rescans the file from the start and skips to the
// caller's fromEntry. Guarded by its own lock, acquired inside the file
// lock per §5's resource table.
type imaState struct {
	mu             sync.Mutex
	bytesRead      int64
	lastEntryIndex int
}

// IMALog wraps the append-only IMA measurement file.
type IMALog struct {
	path  string
	fileMu sync.Mutex
	state imaState
}

func NewIMALog(path string) *IMALog {
	return &IMALog{path: path}
}

// IMASlice is the result of reading a span of IMA log entries starting at
// a caller-chosen index.
type IMASlice struct {
	Text            string
	NextEntryIndex  int
	NumEntriesInSlice int
}

// ReadFrom reads every IMA log line from entry index fromEntry onward.
// A missing file returns (nil, false, nil): the caller omits the
// corresponding response fields rather than failing the request.
func (l *IMALog) ReadFrom(fromEntry int) (*IMASlice, bool, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("quoteservice: open IMA log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	idx := 0
	for scanner.Scan() {
		if idx >= fromEntry {
			lines = append(lines, scanner.Text())
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("quoteservice: read IMA log: %w", err)
	}

	text := strings.Join(lines, "\n")
	if len(lines) > 0 {
		text += "\n"
	}

	l.state.mu.Lock()
	l.state.bytesRead += int64(len(text))
	l.state.lastEntryIndex = idx
	l.state.mu.Unlock()

	return &IMASlice{
		Text:              text,
		NextEntryIndex:    idx,
		NumEntriesInSlice: len(lines),
	}, true, nil
}
