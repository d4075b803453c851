package diagnostics

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Emitter forwards a diagnostic to the controller as soon as it is produced.
type Emitter interface {
	Emit(level, text string)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(level, text string)

// Emit calls f(level, text).
func (f EmitterFunc) Emit(level, text string) { f(level, text) }

// Sink collects the log of the current job and streams diagnostics.
type Sink struct {
	mu      sync.Mutex
	buf     strings.Builder
	emitter Emitter
	logger  zerolog.Logger

	stdout *lineWriter
	stderr *lineWriter
}

// NewSink creates a sink. emitter may be nil.
func NewSink(emitter Emitter, logger zerolog.Logger) *Sink {
	s := &Sink{emitter: emitter, logger: logger}
	s.stdout = &lineWriter{onLine: s.Append}
	s.stderr = &lineWriter{onLine: func(line string) {
		s.Append(line)
		s.Emit("info", line)
	}}
	return s
}

// SetEmitter replaces the emitter.
func (s *Sink) SetEmitter(emitter Emitter) {
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// Append adds a line to the job log.
func (s *Sink) Append(text string) {
	s.mu.Lock()
	s.buf.WriteString(text)
	s.buf.WriteByte('\n')
	s.mu.Unlock()
}

// AppendRaw adds text to the job log without a line terminator.
func (s *Sink) AppendRaw(text string) {
	s.mu.Lock()
	s.buf.WriteString(text)
	s.mu.Unlock()
}

// Emit forwards a diagnostic to the emitter. It is not added to the job log.
func (s *Sink) Emit(level, text string) {
	s.mu.Lock()
	emitter := s.emitter
	s.mu.Unlock()

	s.logger.Debug().Str("diag_level", level).Msg(text)

	if emitter != nil {
		emitter.Emit(level, text)
	}
}

// DrainAndReset returns the job log and clears it. Pending partial lines of
// the engine streams are flushed first.
func (s *Sink) DrainAndReset() string {
	s.stdout.flush()
	s.stderr.flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// Reset clears the job log and discards partial lines.
func (s *Sink) Reset() {
	s.stdout.discard()
	s.stderr.discard()

	s.mu.Lock()
	s.buf.Reset()
	s.mu.Unlock()
}

// Stdout returns a writer for the engine's standard output. Complete lines
// are appended to the job log.
func (s *Sink) Stdout() io.Writer { return s.stdout }

// Stderr returns a writer for the engine's standard error. Complete lines are
// appended to the job log and emitted at info level.
func (s *Sink) Stderr() io.Writer { return s.stderr }

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.onLine(line)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	rest := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(rest) > 0 {
		w.onLine(string(rest))
	}
}

func (w *lineWriter) discard() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}
