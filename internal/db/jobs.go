package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStaleStatus is returned when a conditional status transition finds the job
// in a different status than expected
var ErrStaleStatus = errors.New("db: job status changed concurrently")

// =============================================================================
// Call Job Operations
// =============================================================================

const jobColumns = `id, user_id, local_date, phone_e164, scheduled_at, status, attempt, last_error, last_error_at, next_retry_at, created_at, updated_at`

// InsertCallJob inserts a job holding the (user, local date) slot, stamped at.
// Returns ErrDuplicate when another job already holds the slot.
func (db *DB) InsertCallJob(ctx context.Context, job *CallJob, at time.Time) error {
	job.CreatedAt = at.UTC()
	job.UpdatedAt = job.CreatedAt

	query := `
		INSERT INTO call_jobs (` + jobColumns + `, active_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.LocalDate,
		job.PhoneE164,
		toMillis(job.ScheduledAt),
		string(job.Status),
		job.Attempt,
		job.LastError,
		toNullMillis(job.LastErrorAt),
		toNullMillis(job.NextRetryAt),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
		ActiveKey(job.UserID, job.LocalDate),
	)
	if IsDuplicate(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, ActiveKey(job.UserID, job.LocalDate))
	}
	return err
}

// GetCallJob retrieves a job by ID
func (db *DB) GetCallJob(ctx context.Context, id string) (*CallJob, error) {
	query := `SELECT ` + jobColumns + ` FROM call_jobs WHERE id = ?`

	job, err := scanCallJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

// MarkCallJobDispatching moves a pending job to dispatching
func (db *DB) MarkCallJobDispatching(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE call_jobs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.ExecContext(ctx, query,
		string(StatusDispatching), toMillis(at), id, string(StatusPending))
	if err != nil {
		return err
	}

	return db.expectTransition(ctx, result, id)
}

// CompleteCallJob records the outcome of a dispatch attempt on a dispatching job.
// A nil lastError keeps the previous diagnostic for audit. nextRetryAt is stored
// as given and should be nil for any status but failed_retryable. A
// failed_terminal job releases its (user, local date) slot.
func (db *DB) CompleteCallJob(ctx context.Context, id string, status JobStatus, attempt int, lastError *string, at time.Time, nextRetryAt *time.Time) error {
	var errorAt sql.NullInt64
	if lastError != nil {
		errorAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}

	query := `
		UPDATE call_jobs
		SET status = ?,
		    attempt = ?,
		    last_error = COALESCE(?, last_error),
		    last_error_at = COALESCE(?, last_error_at),
		    next_retry_at = ?,
		    active_key = CASE WHEN ? = 1 THEN NULL ELSE active_key END,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.ExecContext(ctx, query,
		string(status),
		attempt,
		lastError,
		errorAt,
		toNullMillis(nextRetryAt),
		boolToInt(status == StatusFailedTerminal),
		toMillis(at),
		id,
		string(StatusDispatching),
	)
	if err != nil {
		return err
	}

	return db.expectTransition(ctx, result, id)
}

// RequeueCallJob moves a failed_retryable job back to pending
func (db *DB) RequeueCallJob(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE call_jobs
		SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.ExecContext(ctx, query,
		string(StatusPending), toMillis(at), id, string(StatusFailedRetryable))
	if err != nil {
		return err
	}

	return db.expectTransition(ctx, result, id)
}

// ListRetryableCallJobs returns failed_retryable jobs with attempt < maxAttempts
// whose next_retry_at is at or before now, longest overdue first
func (db *DB) ListRetryableCallJobs(ctx context.Context, maxAttempts int, now time.Time, limit int) ([]CallJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM call_jobs
		WHERE status = ? AND attempt < ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`

	return db.queryCallJobs(ctx, query, string(StatusFailedRetryable), maxAttempts, toMillis(now), limit)
}

// ListStalePendingCallJobs returns pending jobs last updated at or before
// olderThan, oldest first. These were reserved or requeued but never claimed.
func (db *DB) ListStalePendingCallJobs(ctx context.Context, olderThan time.Time, limit int) ([]CallJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM call_jobs
		WHERE status = ? AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	return db.queryCallJobs(ctx, query, string(StatusPending), toMillis(olderThan), limit)
}

// ListCallJobsForUser returns a user's jobs, newest local date first
func (db *DB) ListCallJobsForUser(ctx context.Context, userID string, limit int) ([]CallJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM call_jobs
		WHERE user_id = ?
		ORDER BY local_date DESC, created_at DESC
		LIMIT ?
	`

	return db.queryCallJobs(ctx, query, userID, limit)
}

func (db *DB) queryCallJobs(ctx context.Context, query string, args ...any) ([]CallJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []CallJob
	for rows.Next() {
		job, err := scanCallJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if jobs == nil {
		jobs = []CallJob{}
	}

	return jobs, nil
}

// expectTransition turns a zero-row conditional update into ErrNotFound or ErrStaleStatus
func (db *DB) expectTransition(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	job, err := db.GetCallJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrStaleStatus, id, job.Status)
}

func scanCallJob(row rowScanner) (*CallJob, error) {
	var (
		job         CallJob
		status      string
		scheduledAt int64
		lastError   sql.NullString
		lastErrorAt sql.NullInt64
		nextRetryAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.LocalDate,
		&job.PhoneE164,
		&scheduledAt,
		&status,
		&job.Attempt,
		&lastError,
		&lastErrorAt,
		&nextRetryAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.ScheduledAt = fromMillis(scheduledAt)
	if lastError.Valid {
		msg := lastError.String
		job.LastError = &msg
	}
	job.LastErrorAt = fromNullMillis(lastErrorAt)
	job.NextRetryAt = fromNullMillis(nextRetryAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}
