package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Sink is an append-only activity log.
type Sink interface {
	Append(line string)
	Appendf(format string, args ...any)
}

// LogSink writes timestamped lines to a rotated file. Write failures are
// swallowed: the activity log must never take the supervisor down.
type LogSink struct {
	mu  sync.Mutex
	w   *lj.Logger
	now func() time.Time
}

// NewLogSink opens (lazily) the activity log at path using the rotation
// settings of c.
func NewLogSink(path string, c FileConfig) *LogSink {
	return &LogSink{w: c.rotated(path), now: time.Now}
}

// Path returns the active log file.
func (s *LogSink) Path() string { return s.w.Filename }

// Append writes "<RFC3339Nano> <line>\n". Embedded newlines are flattened so
// one call always produces one line.
func (s *LogSink) Append(line string) {
	line = strings.ReplaceAll(strings.TrimRight(line, "\r\n"), "\n", " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, "%s %s\n", s.now().UTC().Format(time.RFC3339Nano), line)
}

func (s *LogSink) Appendf(format string, args ...any) {
	s.Append(fmt.Sprintf(format, args...))
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Append(string)          {}
func (Discard) Appendf(string, ...any) {}
