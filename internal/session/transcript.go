package session

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yarkm13/skiff/internal/logging"
)

// transcript splits driver output into lines, keeps the most recent ones
// and publishes each to the session's transcript bus.
type transcript struct {
	s *Session

	mu      sync.Mutex
	pending []byte
	lines   []string
	limit   int
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.pending = append(t.pending, p...)
	var complete []string
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(t.pending[:i]), "\r")
		t.pending = t.pending[i+1:]
		if line == "" {
			continue
		}
		complete = append(complete, line)
		t.keep(line)
	}
	t.mu.Unlock()

	for _, line := range complete {
		t.s.log(line)
	}
	return len(p), nil
}

func (t *transcript) keep(line string) {
	if t.limit <= 0 {
		return
	}
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.limit; over > 0 {
		t.lines = append(t.lines[:0:0], t.lines[over:]...)
	}
}

func (t *transcript) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// log publishes one transcript line.
func (s *Session) log(line string) {
	logging.Debug("transcript", logging.String("host", s.Host.Hostname), logging.String("line", line))
	s.Transcript.Publish(line)
}

// TranscriptLines returns the most recent wire lines.
func (s *Session) TranscriptLines() []string {
	return s.tx.snapshot()
}
