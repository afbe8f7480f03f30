package worker

import (
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/store"
)

// StreamSystem marks log lines written by the worker itself.
const StreamSystem = "system"

// logBuffer keeps the last max lines of a build and the lines not yet
// flushed to the job record.
type logBuffer struct {
	mu      sync.Mutex
	max     int
	ring    []store.LogEntry
	pending []store.LogEntry
	now     func() time.Time
}

func newLogBuffer(maxLines int) *logBuffer {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &logBuffer{max: maxLines, now: time.Now}
}

func (b *logBuffer) add(stream, line string) {
	e := store.LogEntry{Time: b.now(), Stream: stream, Line: line}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = appendBounded(b.ring, e, b.max)
	b.pending = appendBounded(b.pending, e, b.max)
}

func (b *logBuffer) system(line string) { b.add(StreamSystem, line) }

// drain returns and clears the unflushed lines.
func (b *logBuffer) drain() []store.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// tail returns the last n lines as text.
func (b *logBuffer) tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := max(len(b.ring)-n, 0)
	lines := make([]string, 0, len(b.ring)-start)
	for _, e := range b.ring[start:] {
		lines = append(lines, e.Line)
	}
	return strings.Join(lines, "\n")
}

func appendBounded(s []store.LogEntry, e store.LogEntry, limit int) []store.LogEntry {
	s = append(s, e)
	if len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
