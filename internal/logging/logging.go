// Package logging builds the process logger and keeps recent entries in
// memory for the system logs endpoint
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Config selects level, output format and buffer size
type Config struct {
	Level      string
	Format     string
	BufferSize int
}

// LogEntry represents a captured log entry
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest when full
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()
}

// Filter narrows GetRecent results
type Filter struct {
	MinLevel  slog.Level
	Component string
}

// GetRecent returns up to n entries matching f, oldest first
func (rb *RingBuffer) GetRecent(n int, f Filter) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	// Walk backwards from the newest entry so the limit keeps the latest ones
	matched := make([]LogEntry, 0, n)
	for i := 0; i < rb.count && len(matched) < n; i++ {
		e := rb.entries[(rb.head-1-i+rb.size)%rb.size]
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if ParseLevel(e.Level) < f.MinLevel {
			continue
		}
		matched = append(matched, e)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Len returns the number of buffered entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// CaptureHandler is a slog handler that copies every record into a ring
// buffer before passing it on
type CaptureHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewCaptureHandler wraps next
func NewCaptureHandler(buffer *RingBuffer, next slog.Handler) *CaptureHandler {
	return &CaptureHandler{buffer: buffer, next: next}
}

// Enabled implements slog.Handler
func (h *CaptureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *CaptureHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component string

	add := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Resolve().Any()
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	entry := LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.buffer.Add(entry)

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &CaptureHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  merged,
		group:  h.group,
	}
}

// WithGroup implements slog.Handler
func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &CaptureHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  group,
	}
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w. LOG_LEVEL overrides the configured level.
func New(cfg Config, w io.Writer) (*slog.Logger, *RingBuffer) {
	if w == nil {
		w = os.Stdout
	}

	level := ParseLevel(cfg.Level)
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = ParseLevel(env)
	}

	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}

	buffer := NewRingBuffer(cfg.BufferSize)
	return slog.New(NewCaptureHandler(buffer, base)), buffer
}
