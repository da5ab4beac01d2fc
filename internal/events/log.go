package events

import (
	"context"
	"log/slog"

	"github.com/livinlefevreloca/wakecall/internal/db"
)

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink. Terminal failures are logged at ERROR so they can be
// reconciled by job id.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Kind)),
		slog.String("user_id", e.UserID),
		slog.String("job_id", e.JobID),
		slog.Int("attempt", e.Attempt),
		slog.String("status", string(e.Status)),
	}
	if e.LastError != "" {
		attrs = append(attrs, slog.String("last_error", e.LastError))
	}
	if e.ProviderCallID != "" {
		attrs = append(attrs, slog.String("provider_call_id", e.ProviderCallID))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}

	level := slog.LevelInfo
	msg := "dispatch attempt"
	switch {
	case e.Kind == KindTerminal && e.Status == db.StatusFailedTerminal:
		level = slog.LevelError
		msg = "call job failed permanently"
	case e.Kind == KindTerminal:
		msg = "call job completed"
	case e.Status == db.StatusFailedRetryable:
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, msg, attrs...)
}
