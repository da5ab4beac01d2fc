// Package dispatcher places the call for one reserved job and writes the
// outcome back to the ledger.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/provider"
)

var (
	// ErrTransient classifies timeouts and transport failures. They are retried.
	ErrTransient = errors.New("dispatch: transient failure")

	// ErrPermanent classifies provider rejections. They are never retried.
	ErrPermanent = errors.New("dispatch: permanent failure")
)

// Config holds per-attempt dispatch settings
type Config struct {
	// Upper bound on a single call placement
	CallTimeout time.Duration `toml:"call_timeout" yaml:"call_timeout"`

	// Sustained call placements per second across this process; 0 disables throttling
	RatePerSecond float64 `toml:"rate_per_second" yaml:"rate_per_second"`

	// Placements allowed in a burst above the sustained rate
	Burst int `toml:"burst" yaml:"burst"`
}

// DefaultConfig returns the dispatch defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:   30 * time.Second,
		RatePerSecond: 10,
		Burst:         10,
	}
}

// Validate checks the dispatch settings
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CallTimeout must be positive, got %v", c.CallTimeout)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("RatePerSecond must not be negative, got %v", c.RatePerSecond)
	}
	if c.RatePerSecond > 0 && c.Burst <= 0 {
		return fmt.Errorf("Burst must be positive when RatePerSecond is set, got %d", c.Burst)
	}
	return nil
}

// Outcome is the result of one dispatch attempt
type Outcome struct {
	Status         db.JobStatus
	Attempt        int
	ProviderCallID string
	// Err is nil on success and otherwise wraps ErrTransient or ErrPermanent.
	Err error
}

// Dispatcher runs dispatch attempts
type Dispatcher struct {
	config      Config
	maxAttempts int
	ledger      *ledger.Ledger
	placer      provider.CallPlacer
	sink        events.Sink
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New creates a dispatcher. maxAttempts bounds attempts per job, including the first.
func New(config Config, maxAttempts int, l *ledger.Ledger, placer provider.CallPlacer, sink events.Sink, logger *slog.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("maxAttempts must be positive, got %d", maxAttempts)
	}
	if sink == nil {
		sink = events.Discard
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst)
	}

	return &Dispatcher{
		config:      config,
		maxAttempts: maxAttempts,
		ledger:      l,
		placer:      placer,
		sink:        sink,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

// Dispatch makes exactly one call placement attempt for a pending job.
//
// The job is claimed (pending → dispatching) before the provider is called, so
// a second dispatcher racing on the same job gets ledger.ErrIllegalTransition
// and places nothing. The returned error is reserved for ledger failures; the
// call's own outcome is reported in Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job db.CallJob) (Outcome, error) {
	// Throttle before claiming. A cancelled wait leaves the job pending, where
	// the loop's stale-pending sweep picks it up again.
	if err := d.limiter.Wait(ctx); err != nil {
		return Outcome{}, fmt.Errorf("rate limit wait: %w", err)
	}

	if err := d.ledger.MarkDispatching(ctx, job.ID); err != nil {
		return Outcome{}, fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	start := time.Now()
	receipt, callErr := d.placeCall(ctx, job.PhoneE164)
	elapsed := time.Since(start)

	outcome := d.classify(job, receipt, callErr)

	// The claim is already taken, so the result is written even during shutdown.
	if err := d.ledger.RecordResult(context.WithoutCancel(ctx), job.ID, outcome.Status, outcome.Attempt, outcome.Err); err != nil {
		d.logger.Error("failed to record dispatch result; job left in dispatching",
			"job_id", job.ID,
			"user_id", job.UserID,
			"status", outcome.Status,
			"error", err)
		return outcome, fmt.Errorf("record result for job %s: %w", job.ID, err)
	}

	event := events.Event{
		Kind:           events.KindAttempt,
		UserID:         job.UserID,
		JobID:          job.ID,
		Attempt:        outcome.Attempt,
		Status:         outcome.Status,
		ProviderCallID: outcome.ProviderCallID,
		Duration:       elapsed,
	}
	if outcome.Err != nil {
		event.LastError = outcome.Err.Error()
	}
	d.sink.Emit(ctx, event)

	if outcome.Status.Terminal() {
		event.Kind = events.KindTerminal
		event.Duration = 0
		d.sink.Emit(ctx, event)
	}

	return outcome, nil
}

func (d *Dispatcher) placeCall(ctx context.Context, phone string) (provider.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	return d.placer.PlaceCall(callCtx, phone)
}

func (d *Dispatcher) classify(job db.CallJob, receipt provider.Receipt, callErr error) Outcome {
	attempt := job.Attempt + 1

	switch {
	case callErr == nil:
		return Outcome{
			Status:         db.StatusSucceeded,
			Attempt:        attempt,
			ProviderCallID: receipt.ProviderCallID,
		}

	case provider.IsPermanent(callErr):
		return Outcome{
			Status:  db.StatusFailedTerminal,
			Attempt: attempt,
			Err:     fmt.Errorf("%w: %w", ErrPermanent, callErr),
		}

	default:
		status := db.StatusFailedRetryable
		if attempt >= d.maxAttempts {
			status = db.StatusFailedTerminal
		}
		return Outcome{
			Status:  status,
			Attempt: attempt,
			Err:     fmt.Errorf("%w: %w", ErrTransient, callErr),
		}
	}
}
