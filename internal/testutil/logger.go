package testutil

import (
	"context"
	"log/slog"
	"sync"
)

// TestLogger captures slog records so tests can assert on what was logged
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one captured record. Level is slog's level name (DEBUG, INFO,
// WARN, ERROR); attributes inside groups are keyed "group.key".
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger that records into l at every level
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{logger: l})
}

func (l *TestLogger) record(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	result := make([]LogEntry, 0)
	for _, entry := range l.GetEntries() {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasWarning reports whether anything was logged at WARN
func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel(slog.LevelWarn.String())) > 0
}

// captureHandler implements slog.Handler for TestLogger
type captureHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	prefix string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Level:   r.Level.String(),
		Message: r.Message,
		Fields:  make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}

	for _, a := range h.attrs {
		addField(entry.Fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addField(entry.Fields, h.prefix, a)
		return true
	})

	h.logger.record(entry)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &captureHandler{logger: h.logger, prefix: h.prefix}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{logger: h.logger, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// addField flattens group-valued attributes into dotted keys
func addField(fields map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addField(fields, p, ga)
		}
		return
	}
	fields[prefix+a.Key] = a.Value.Any()
}
