package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/wakecall/internal/backoff"
)

// maxCatchUpLimit keeps a catch-up window inside one local day pair, which is
// all the due check evaluates.
const maxCatchUpLimit = 12 * time.Hour

// Config defines configuration for the tick loop and its retry sweep
type Config struct {
	// Width of each tick's evaluation window; ticks should fire once per granularity
	Granularity time.Duration `toml:"granularity" yaml:"granularity"`

	// Cron expression that fires ticks (robfig/cron syntax, descriptors allowed).
	// It must fire at least once per Granularity.
	Trigger string `toml:"trigger" yaml:"trigger"`

	// Longest span a late tick evaluates to cover windows since the previous
	// tick in this process; older uncovered time is logged and skipped
	MaxCatchUp time.Duration `toml:"max_catch_up" yaml:"max_catch_up"`

	// Dispatches run concurrently within one tick, up to this many
	MaxParallelDispatches int `toml:"max_parallel_dispatches" yaml:"max_parallel_dispatches"`

	// Attempts per call job, including the first
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`

	// Exponential retry delay: RetryBase * 2^(attempt-1), capped at RetryMaxDelay
	RetryBase     time.Duration `toml:"retry_base" yaml:"retry_base"`
	RetryMaxDelay time.Duration `toml:"retry_max_delay" yaml:"retry_max_delay"`

	// Failed jobs read per retry sweep; also bounds each stale-pending sweep
	RetryBatchSize int `toml:"retry_batch_size" yaml:"retry_batch_size"`

	// A pending job untouched this long was never claimed and is dispatched again
	PendingGrace time.Duration `toml:"pending_grace" yaml:"pending_grace"`
}

// DefaultConfig returns scheduler defaults: one-minute ticks, three attempts
func DefaultConfig() Config {
	return Config{
		Granularity:           time.Minute,
		Trigger:               "* * * * *",
		MaxCatchUp:            time.Hour,
		MaxParallelDispatches: 16,
		MaxAttempts:           3,
		RetryBase:             time.Minute,
		RetryMaxDelay:         30 * time.Minute,
		RetryBatchSize:        500,
		PendingGrace:          5 * time.Minute,
	}
}

// Backoff returns the retry schedule described by the config
func (c Config) Backoff() backoff.Schedule {
	return backoff.NewExponential(c.RetryBase, c.RetryMaxDelay)
}

// Validate checks scheduler configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.Granularity <= 0 {
		return fmt.Errorf("Granularity must be positive, got %v", c.Granularity)
	}

	if c.Trigger == "" {
		return fmt.Errorf("Trigger must be specified")
	}

	if err := validateTrigger(c.Trigger, c.Granularity); err != nil {
		return err
	}

	if c.MaxCatchUp < c.Granularity || c.MaxCatchUp > maxCatchUpLimit {
		return fmt.Errorf("MaxCatchUp must be between Granularity (%v) and %v, got %v", c.Granularity, maxCatchUpLimit, c.MaxCatchUp)
	}

	if c.MaxParallelDispatches <= 0 {
		return fmt.Errorf("MaxParallelDispatches must be positive, got %d", c.MaxParallelDispatches)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", c.MaxAttempts)
	}

	if c.RetryBase <= 0 {
		return fmt.Errorf("RetryBase must be positive, got %v", c.RetryBase)
	}

	if c.RetryMaxDelay < c.RetryBase {
		return fmt.Errorf("RetryMaxDelay (%v) must not be less than RetryBase (%v)", c.RetryMaxDelay, c.RetryBase)
	}

	if c.RetryBatchSize <= 0 {
		return fmt.Errorf("RetryBatchSize must be positive, got %d", c.RetryBatchSize)
	}

	if c.PendingGrace <= 0 {
		return fmt.Errorf("PendingGrace must be positive, got %v", c.PendingGrace)
	}

	return nil
}

// Trigger fire times are compared over two days, or the first
// maxTriggerChecks fires for dense triggers.
const (
	triggerHorizon   = 48 * time.Hour
	maxTriggerChecks = 10000
)

// validateTrigger parses trigger and rejects it when two consecutive fire
// times within the horizon are further apart than granularity.
func validateTrigger(trigger string, granularity time.Duration) error {
	sched, err := cron.ParseStandard(trigger)
	if err != nil {
		return fmt.Errorf("invalid trigger %q: %w", trigger, err)
	}

	ref := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	prev := sched.Next(ref)
	if prev.IsZero() {
		return fmt.Errorf("trigger %q never fires", trigger)
	}
	for i := 0; i < maxTriggerChecks && prev.Sub(ref) < triggerHorizon; i++ {
		next := sched.Next(prev)
		if next.IsZero() || next.Sub(prev) > granularity {
			return fmt.Errorf("trigger %q leaves gaps longer than Granularity %v", trigger, granularity)
		}
		prev = next
	}

	return nil
}
