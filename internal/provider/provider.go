// Package provider holds clients for the telephony service that places calls.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CallPlacer places one outbound call. Implementations may retry or queue
// internally; callers treat each PlaceCall as a single attempt.
type CallPlacer interface {
	PlaceCall(ctx context.Context, phoneE164 string) (Receipt, error)
}

// Receipt is returned by the provider for an accepted call
type Receipt struct {
	ProviderCallID string
}

// Kinds of provider
const (
	KindHTTP = "http"
	KindLog  = "log"
)

// Config selects and configures the provider client
type Config struct {
	Kind           string        `toml:"kind" yaml:"kind"`
	URL            string        `toml:"url" yaml:"url"`
	Token          string        `toml:"token" yaml:"token"`
	RequestTimeout time.Duration `toml:"request_timeout" yaml:"request_timeout"`
}

// New builds the provider named by cfg.Kind
func New(cfg Config, logger *slog.Logger) (CallPlacer, error) {
	switch cfg.Kind {
	case KindHTTP:
		return NewHTTPClient(cfg)
	case KindLog, "":
		return NewLogPlacer(logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %s (must be http or log)", cfg.Kind)
	}
}

// Permanent marks err as a rejection that retrying cannot fix, such as an
// invalid or unreachable number.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
