package streaming

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"sync"

	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

const maxDiagnosticLine = 1024

var diagnosticPattern = regexp.MustCompile(`(?i)error|fail|timed? ?out|refused|unauthori[sz]ed|denied|invalid|not found|broken pipe`)

// logWriter turns transcoder stderr into log records. Only lines matching
// diagnosticPattern are logged; credentials are masked.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(logger *slog.Logger, level slog.Level) *logWriter {
	return &logWriter{logger: logger, level: level}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxDiagnosticLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *logWriter) emit(line []byte) {
	msg := string(bytes.TrimSpace(line))
	if msg == "" || !diagnosticPattern.MatchString(msg) {
		return
	}
	if len(msg) > maxDiagnosticLine {
		msg = msg[:maxDiagnosticLine]
	}
	w.logger.Log(context.Background(), w.level, "Transcoder: "+logging.MaskCredentials(msg))
}
