// Package backoff computes how long a failed call job waits before it is
// eligible for another dispatch attempt. Strategies are stateless.
package backoff

import (
	"math"
	"time"
)

// Schedule maps a job's attempt count to the delay after its last failure.
type Schedule interface {
	// Delay returns the wait before the next attempt of a job that has
	// already made attempt (>= 1) attempts.
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant schedule.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential schedule.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Default is the retry schedule used when none is configured: 1m doubling to 30m.
func Default() Schedule {
	return NewExponential(time.Minute, 30*time.Minute)
}
