// Package logging provides the process log pipeline: a JSON slog handler
// that also keeps recent entries in memory and scrubs camera credentials.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Camera    string                 `json:"camera,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan LogEntry]bool
	subMu       sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		entries:     make([]LogEntry, size),
		size:        size,
		subscribers: make(map[chan LogEntry]bool),
	}
}

// Add adds a log entry to the ring buffer
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if subscriber can't keep up
		}
	}
	rb.subMu.RUnlock()
}

// GetRecent returns the most recent n entries, oldest first
func (rb *RingBuffer) GetRecent(n int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	result := make([]LogEntry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// Filter returns up to n recent entries whose component or camera matches.
// Empty filter values match everything.
func (rb *RingBuffer) Filter(component, camera string, n int) []LogEntry {
	all := rb.GetRecent(0)
	var out []LogEntry
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if component != "" && e.Component != component {
			continue
		}
		if camera != "" && e.Camera != camera {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	// restore oldest-first order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe creates a channel that receives new log entries
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = true
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.subMu.Lock()
	if rb.subscribers[ch] {
		delete(rb.subscribers, ch)
		close(ch)
	}
	rb.subMu.Unlock()
}

// StreamHandler is a slog handler that captures logs to a ring buffer.
// String attributes are passed through MaskCredentials before they reach
// either the buffer or the fallback handler.
type StreamHandler struct {
	buffer   *RingBuffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
	groups   []string
}

// NewStreamHandler creates a handler that captures logs to the ring buffer
func NewStreamHandler(buffer *RingBuffer, fallback io.Writer, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer: buffer,
		fallback: slog.NewJSONHandler(fallback, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: redactAttr,
		}),
		level: level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component, camera string

	collect := func(a slog.Attr) {
		switch a.Key {
		case "component":
			component = a.Value.String()
		case "camera":
			camera = a.Value.String()
			attrs[a.Key] = camera
		default:
			attrs[a.Key] = redactValue(a.Value).Any()
		}
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.buffer.Add(LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   MaskCredentials(r.Message),
		Component: component,
		Camera:    camera,
		Attrs:     attrs,
	})

	if r.Message != "" {
		masked := slog.NewRecord(r.Time, r.Level, MaskCredentials(r.Message), r.PC)
		r.Attrs(func(a slog.Attr) bool {
			masked.AddAttrs(a)
			return true
		})
		r = masked
	}
	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    merged,
		groups:   h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
		groups:   append(append([]string(nil), h.groups...), name),
	}
}

// ParseLevel maps a config/env level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a StreamHandler backed by the global buffer as the default
// slog logger and returns it. format "text" switches the console output to
// slog's text handler; anything else is JSON.
func Setup(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	h := NewStreamHandler(globalBuffer, w, level)
	if strings.EqualFold(format, "text") {
		h.fallback = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr})
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Global log buffer
var globalBuffer = NewRingBuffer(1000)

// GetLogBuffer returns the global log buffer
func GetLogBuffer() *RingBuffer {
	return globalBuffer
}

// LogEntryToJSON converts a log entry to JSON string
func LogEntryToJSON(entry LogEntry) string {
	data, _ := json.Marshal(entry)
	return string(data)
}
