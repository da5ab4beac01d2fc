package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/dispatcher"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/schedule"
	"github.com/livinlefevreloca/wakecall/internal/timezone"
)

// Loop evaluates every active user once per tick, reserves ledger slots for due
// calls, dispatches them, re-drives retry-eligible failures and picks up pending
// jobs whose dispatch never claimed them.
//
// Loop keeps no state between ticks. Any number of ticks, in this process or
// others, may run concurrently; the ledger's reservation decides who dispatches.
type Loop struct {
	config     Config
	db         *db.DB
	ledger     *ledger.Ledger
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
}

// Report summarises one tick
type Report struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Evaluated   int
	Due         int
	Reserved    int
	Conflicts   int
	Retried     int
	Recovered   int
	Succeeded   int
	Failed      int
	Errors      int
}

// counters is the concurrent form of Report
type counters struct {
	evaluated, due, reserved, conflicts, retried, recovered, succeeded, failed, errors atomic.Int64
}

// NewLoop creates a scheduler loop with validated configuration
func NewLoop(config Config, database *db.DB, l *ledger.Ledger, d *dispatcher.Dispatcher, logger *slog.Logger) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Loop{
		config:     config,
		db:         database,
		ledger:     l,
		dispatcher: d,
		logger:     logger,
	}, nil
}

// Tick runs one scheduling pass over the window [now - granularity, now).
func (l *Loop) Tick(ctx context.Context, now time.Time) Report {
	return l.TickWindow(ctx, now.Add(-l.config.Granularity), now)
}

// TickWindow runs one scheduling pass over [windowStart, windowEnd), which may
// be wider than the granularity when a tick covers time missed since the last.
// windowEnd is also the instant retry and stale-pending eligibility is judged at.
// A failure for one user is logged and counted; it never stops the others.
func (l *Loop) TickWindow(ctx context.Context, windowStart, windowEnd time.Time) Report {
	start := time.Now()
	var c counters

	// Step 1: Evaluate active settings and dispatch new reservations
	l.scheduleDue(ctx, windowStart, windowEnd, &c)

	// Step 2: Re-drive failed_retryable jobs whose backoff has elapsed
	l.retryFailed(ctx, windowEnd, &c)

	// Step 3: Dispatch pending jobs nobody claimed within the grace period
	l.recoverStalled(ctx, windowEnd, &c)

	report := Report{
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Evaluated:   int(c.evaluated.Load()),
		Due:         int(c.due.Load()),
		Reserved:    int(c.reserved.Load()),
		Conflicts:   int(c.conflicts.Load()),
		Retried:     int(c.retried.Load()),
		Recovered:   int(c.recovered.Load()),
		Succeeded:   int(c.succeeded.Load()),
		Failed:      int(c.failed.Load()),
		Errors:      int(c.errors.Load()),
	}

	l.logger.Debug("tick complete",
		"window_start", windowStart,
		"window_end", windowEnd,
		"evaluated", report.Evaluated,
		"reserved", report.Reserved,
		"conflicts", report.Conflicts,
		"retried", report.Retried,
		"recovered", report.Recovered,
		"errors", report.Errors,
		"duration", time.Since(start))

	return report
}

// scheduleDue evaluates every active user against the window
func (l *Loop) scheduleDue(ctx context.Context, windowStart, windowEnd time.Time, c *counters) {
	settings, err := l.db.ListActiveSettings(ctx)
	if err != nil {
		c.errors.Add(1)
		l.logger.Error("failed to list active settings", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(l.config.MaxParallelDispatches)

	for _, s := range settings {
		g.Go(func() error {
			l.scheduleUser(ctx, s, windowStart, windowEnd, c)
			return nil
		})
	}

	_ = g.Wait()
}

func (l *Loop) scheduleUser(ctx context.Context, s db.CallSettings, windowStart, windowEnd time.Time, c *counters) {
	c.evaluated.Add(1)

	decision, err := schedule.IsDue(s, windowStart, windowEnd)
	if err != nil {
		c.errors.Add(1)
		if errors.Is(err, timezone.ErrInvalidTimezone) || errors.Is(err, timezone.ErrInvalidTimeOfDay) {
			// Stored settings are validated on write; reaching this means the row was corrupted.
			l.logger.Error("data integrity: stored settings cannot be evaluated",
				"user_id", s.UserID,
				"timezone", s.Timezone,
				"time_of_day", s.TimeOfDay,
				"error", err)
			return
		}
		l.logger.Error("failed to evaluate settings", "user_id", s.UserID, "error", err)
		return
	}
	if !decision.Due {
		return
	}
	c.due.Add(1)

	job, err := l.ledger.Reserve(ctx, s.UserID, decision.LocalDate, s.PhoneE164, decision.Candidate)
	if errors.Is(err, ledger.ErrConflict) {
		c.conflicts.Add(1)
		l.logger.Debug("slot already reserved", "user_id", s.UserID, "local_date", decision.LocalDate)
		return
	}
	if err != nil {
		c.errors.Add(1)
		l.logger.Error("failed to reserve call job", "user_id", s.UserID, "local_date", decision.LocalDate, "error", err)
		return
	}
	c.reserved.Add(1)

	l.dispatch(ctx, *job, c)
}

// retryFailed requeues and dispatches each retry candidate. Requeue is a
// conditional update, so a concurrent sweep elsewhere takes each job at most once.
func (l *Loop) retryFailed(ctx context.Context, now time.Time, c *counters) {
	candidates, err := l.ledger.ListRetryCandidates(ctx, now, l.config.MaxAttempts)
	if err != nil {
		c.errors.Add(1)
		l.logger.Error("failed to list retry candidates", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(l.config.MaxParallelDispatches)

	for _, job := range candidates {
		g.Go(func() error {
			if err := l.ledger.Requeue(ctx, job.ID); err != nil {
				if errors.Is(err, ledger.ErrIllegalTransition) {
					l.logger.Debug("retry taken by another worker", "job_id", job.ID)
					return nil
				}
				c.errors.Add(1)
				l.logger.Error("failed to requeue call job", "job_id", job.ID, "user_id", job.UserID, "error", err)
				return nil
			}
			c.retried.Add(1)

			job.Status = db.StatusPending
			l.dispatch(ctx, job, c)
			return nil
		})
	}

	_ = g.Wait()
}

// recoverStalled dispatches pending jobs left unclaimed for PendingGrace. The
// claim inside Dispatch is conditional, so a job a live dispatch is still
// about to claim is placed at most once.
func (l *Loop) recoverStalled(ctx context.Context, now time.Time, c *counters) {
	stalled, err := l.ledger.ListStalePending(ctx, now, l.config.PendingGrace)
	if err != nil {
		c.errors.Add(1)
		l.logger.Error("failed to list stale pending jobs", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(l.config.MaxParallelDispatches)

	for _, job := range stalled {
		g.Go(func() error {
			l.logger.Warn("dispatching stale pending job",
				"job_id", job.ID,
				"user_id", job.UserID,
				"local_date", job.LocalDate,
				"pending_since", job.UpdatedAt)
			c.recovered.Add(1)
			l.dispatch(ctx, job, c)
			return nil
		})
	}

	_ = g.Wait()
}

func (l *Loop) dispatch(ctx context.Context, job db.CallJob, c *counters) {
	outcome, err := l.dispatcher.Dispatch(ctx, job)
	if errors.Is(err, ledger.ErrIllegalTransition) {
		l.logger.Debug("job claimed by another worker", "job_id", job.ID, "user_id", job.UserID)
		return
	}
	if err != nil {
		c.errors.Add(1)
		l.logger.Error("dispatch failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
		return
	}

	if outcome.Status == db.StatusSucceeded {
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
	}
}

// String renders a report for logs
func (r Report) String() string {
	return fmt.Sprintf("window=[%s,%s) evaluated=%d due=%d reserved=%d conflicts=%d retried=%d recovered=%d succeeded=%d failed=%d errors=%d",
		r.WindowStart.Format(time.RFC3339), r.WindowEnd.Format(time.RFC3339),
		r.Evaluated, r.Due, r.Reserved, r.Conflicts, r.Retried, r.Recovered, r.Succeeded, r.Failed, r.Errors)
}
