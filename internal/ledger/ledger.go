// Package ledger is the durable record of call jobs. It enforces that a user
// has at most one active job per local calendar day and owns every status
// transition a job goes through.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/wakecall/internal/backoff"
	"github.com/livinlefevreloca/wakecall/internal/db"
)

var (
	// ErrConflict means the (user, local date) slot is already held by a
	// pending, dispatching or succeeded job. It is expected, not a failure.
	ErrConflict = errors.New("ledger: slot already reserved")

	// ErrIllegalTransition means the job was not in the status the
	// transition requires.
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
)

const defaultRetryBatchSize = 500

// Ledger wraps the call_jobs table
type Ledger struct {
	db             *db.DB
	logger         *slog.Logger
	retryBatchSize int
	backoff        backoff.Schedule
	now            func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRetryBatchSize bounds how many failed jobs one retry sweep reads
func WithRetryBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retryBatchSize = n
		}
	}
}

// WithBackoff sets the schedule that spaces retries of failed_retryable jobs
func WithBackoff(schedule backoff.Schedule) Option {
	return func(l *Ledger) {
		if schedule != nil {
			l.backoff = schedule
		}
	}
}

// WithClock overrides the clock used to timestamp transitions
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger over database
func New(database *db.DB, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:             database,
		logger:         logger,
		retryBatchSize: defaultRetryBatchSize,
		backoff:        backoff.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve atomically creates a pending job for (userID, localDate). The unique
// slot index makes this safe across goroutines, ticks and processes; it returns
// ErrConflict when the slot is taken.
func (l *Ledger) Reserve(ctx context.Context, userID, localDate, phone string, scheduledAt time.Time) (*db.CallJob, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	job := &db.CallJob{
		ID:          id.String(),
		UserID:      userID,
		LocalDate:   localDate,
		PhoneE164:   phone,
		ScheduledAt: scheduledAt.UTC(),
		Status:      db.StatusPending,
		Attempt:     0,
	}

	if err := l.db.InsertCallJob(ctx, job, l.now()); err != nil {
		if db.IsDuplicate(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("reserve %s: %w", db.ActiveKey(userID, localDate), err)
	}

	return job, nil
}

// MarkDispatching claims a pending job for one dispatch attempt. Only one
// caller can win the claim.
func (l *Ledger) MarkDispatching(ctx context.Context, jobID string) error {
	return classify(l.db.MarkCallJobDispatching(ctx, jobID, l.now()))
}

// RecordResult writes the outcome of a dispatch attempt. It is only legal
// from dispatching into succeeded, failed_retryable or failed_terminal.
// A nil cause keeps any earlier diagnostic on the job. A failed_retryable job
// becomes eligible again once the backoff for attempt has elapsed.
func (l *Ledger) RecordResult(ctx context.Context, jobID string, status db.JobStatus, attempt int, cause error) error {
	switch status {
	case db.StatusSucceeded, db.StatusFailedRetryable, db.StatusFailedTerminal:
	default:
		return fmt.Errorf("%w: cannot record %q", ErrIllegalTransition, status)
	}

	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}

	at := l.now()
	var nextRetryAt *time.Time
	if status == db.StatusFailedRetryable {
		next := at.Add(l.backoff.Delay(attempt))
		nextRetryAt = &next
	}

	return classify(l.db.CompleteCallJob(ctx, jobID, status, attempt, lastError, at, nextRetryAt))
}

// ListRetryCandidates returns failed_retryable jobs with attempt < maxAttempts
// whose backoff has elapsed by now, longest overdue first.
func (l *Ledger) ListRetryCandidates(ctx context.Context, now time.Time, maxAttempts int) ([]db.CallJob, error) {
	jobs, err := l.db.ListRetryableCallJobs(ctx, maxAttempts, now, l.retryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retryable jobs: %w", err)
	}
	return jobs, nil
}

// ListStalePending returns pending jobs untouched for at least grace. A job
// is left pending when its dispatch ends before the claim, for example on a
// cancelled rate-limit wait, a failed claim write or a crash.
func (l *Ledger) ListStalePending(ctx context.Context, now time.Time, grace time.Duration) ([]db.CallJob, error) {
	jobs, err := l.db.ListStalePendingCallJobs(ctx, now.Add(-grace), l.retryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	return jobs, nil
}

// Requeue moves a failed_retryable job back to pending so it can be dispatched again
func (l *Ledger) Requeue(ctx context.Context, jobID string) error {
	return classify(l.db.RequeueCallJob(ctx, jobID, l.now()))
}

// Get returns a job by id
func (l *Ledger) Get(ctx context.Context, jobID string) (*db.CallJob, error) {
	return l.db.GetCallJob(ctx, jobID)
}

// JobsForUser returns a user's job history, newest local date first
func (l *Ledger) JobsForUser(ctx context.Context, userID string, limit int) ([]db.CallJob, error) {
	return l.db.ListCallJobsForUser(ctx, userID, limit)
}

func classify(err error) error {
	if errors.Is(err, db.ErrStaleStatus) {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	return err
}
