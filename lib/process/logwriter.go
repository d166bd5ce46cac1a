package process

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// maxLineLength caps a buffered output line. Longer lines are logged in
// pieces.
const maxLineLength = 4096

// logWriter logs a plugin's output one line at a time.
type logWriter struct {
	logger zerolog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogWriter(logger zerolog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, ok := w.nextLine()
		if !ok {
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

func (w *logWriter) nextLine() ([]byte, bool) {
	data := w.buf.Bytes()
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line := bytes.Clone(data[:i])
		w.buf.Next(i + 1)
		return line, true
	}
	if len(data) >= maxLineLength {
		return bytes.Clone(w.buf.Next(maxLineLength)), true
	}
	return nil, false
}

// Flush logs a trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(bytes.Clone(w.buf.Bytes()))
		w.buf.Reset()
	}
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info().Str("stream", "plugin").Bytes("line", line).Msg("plugin output")
}
