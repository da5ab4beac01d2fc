package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogPlacer logs calls instead of placing them. Used for dry runs.
type LogPlacer struct {
	logger *slog.Logger
}

// NewLogPlacer creates a dry-run provider
func NewLogPlacer(logger *slog.Logger) *LogPlacer {
	return &LogPlacer{logger: logger}
}

// PlaceCall implements CallPlacer
func (p *LogPlacer) PlaceCall(ctx context.Context, phoneE164 string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	id := "dry-run-" + uuid.NewString()
	p.logger.Info("dry run: call not placed", "phone", phoneE164, "provider_call_id", id)
	return Receipt{ProviderCallID: id}, nil
}
