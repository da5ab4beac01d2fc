package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Call Settings Operations
// =============================================================================

const settingsColumns = `user_id, phone_e164, timezone, time_of_day, cadence, active, created_at, updated_at`

// querier is the part of *sql.DB and *sql.Tx the settings statements need
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertSettings inserts or replaces a user's call settings.
// Callers are responsible for validation; this layer stores what it is given.
func (db *DB) UpsertSettings(ctx context.Context, s *CallSettings) error {
	return upsertSettings(ctx, db.DB, db.driver, s)
}

// UpsertSettings is UpsertSettings within the transaction
func (tx *Tx) UpsertSettings(ctx context.Context, s *CallSettings) error {
	return upsertSettings(ctx, tx.Tx, tx.db.driver, s)
}

// SaveSettings upserts s and returns the stored row, read back in the same
// transaction so CreatedAt is the original row's on replace.
func (db *DB) SaveSettings(ctx context.Context, s *CallSettings) (*CallSettings, error) {
	var stored *CallSettings
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if err := tx.UpsertSettings(ctx, s); err != nil {
			return err
		}
		var err error
		stored, err = tx.GetSettings(ctx, s.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func upsertSettings(ctx context.Context, q querier, driver string, s *CallSettings) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	var query string
	switch driver {
	case DriverMySQL:
		query = `
			INSERT INTO call_settings (` + settingsColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				phone_e164  = VALUES(phone_e164),
				timezone    = VALUES(timezone),
				time_of_day = VALUES(time_of_day),
				cadence     = VALUES(cadence),
				active      = VALUES(active),
				updated_at  = VALUES(updated_at)
		`
	default:
		query = `
			INSERT INTO call_settings (` + settingsColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				phone_e164  = excluded.phone_e164,
				timezone    = excluded.timezone,
				time_of_day = excluded.time_of_day,
				cadence     = excluded.cadence,
				active      = excluded.active,
				updated_at  = excluded.updated_at
		`
	}

	_, err := q.ExecContext(ctx, query,
		s.UserID,
		s.PhoneE164,
		s.Timezone,
		s.TimeOfDay,
		string(s.Cadence),
		boolToInt(s.Active),
		toMillis(s.CreatedAt),
		toMillis(s.UpdatedAt),
	)
	return err
}

// GetSettings retrieves a user's call settings
func (db *DB) GetSettings(ctx context.Context, userID string) (*CallSettings, error) {
	return getSettings(ctx, db.DB, userID)
}

// GetSettings is GetSettings within the transaction
func (tx *Tx) GetSettings(ctx context.Context, userID string) (*CallSettings, error) {
	return getSettings(ctx, tx.Tx, userID)
}

func getSettings(ctx context.Context, q querier, userID string) (*CallSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM call_settings WHERE user_id = ?`

	s, err := scanSettings(q.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// ListActiveSettings retrieves every active user's settings
func (db *DB) ListActiveSettings(ctx context.Context) ([]CallSettings, error) {
	query := `
		SELECT ` + settingsColumns + `
		FROM call_settings
		WHERE active = 1
		ORDER BY user_id
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []CallSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, *s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if settings == nil {
		settings = []CallSettings{}
	}

	return settings, nil
}

// SetSettingsActive toggles the active flag for a user
func (db *DB) SetSettingsActive(ctx context.Context, userID string, active bool) error {
	query := `
		UPDATE call_settings
		SET active = ?, updated_at = ?
		WHERE user_id = ?
	`

	result, err := db.ExecContext(ctx, query, boolToInt(active), toMillis(time.Now()), userID)
	if err != nil {
		return err
	}

	return expectRow(result)
}

// DeleteSettings removes a user's settings. Call job history is kept.
func (db *DB) DeleteSettings(ctx context.Context, userID string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM call_settings WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}

	return expectRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner) (*CallSettings, error) {
	var (
		s         CallSettings
		cadence   string
		active    int
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(
		&s.UserID,
		&s.PhoneE164,
		&s.Timezone,
		&s.TimeOfDay,
		&cadence,
		&active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Cadence = Cadence(cadence)
	s.Active = active != 0
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func expectRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
