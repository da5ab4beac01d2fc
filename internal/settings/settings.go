// Package settings is the write boundary for user call settings. Nothing that
// fails validation here is ever stored, so the scheduler can treat a stored row
// it cannot evaluate as a data-integrity fault.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/timezone"
)

// ErrNotFound is returned when the user has no stored settings
var ErrNotFound = db.ErrNotFound

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

const maxUserIDLength = 128

// ValidationError rejects a settings write. Field uses the API's field names.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err carries a ValidationError
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Input is the full set of values accepted by Upsert
type Input struct {
	UserID    string
	PhoneE164 string
	Timezone  string
	TimeOfDay string
	Cadence   db.Cadence
	Active    bool
}

// Validate checks every field of in. An empty cadence is accepted and means daily.
func Validate(in Input) error {
	if err := validateUserID(in.UserID); err != nil {
		return err
	}

	if !e164Regex.MatchString(in.PhoneE164) {
		return &ValidationError{Field: "phoneE164", Reason: "must be E.164, e.g. +14155550100"}
	}

	if _, err := timezone.LoadLocation(in.Timezone); err != nil {
		return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown IANA zone %q", in.Timezone)}
	}

	if _, err := timezone.ParseTimeOfDay(in.TimeOfDay); err != nil {
		return &ValidationError{Field: "timeOfDay", Reason: "must be HH:MM in 24-hour time"}
	}

	if in.Cadence != "" && !in.Cadence.Valid() {
		return &ValidationError{Field: "cadence", Reason: "must be daily, weekdays or weekends"}
	}

	return nil
}

func validateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return &ValidationError{Field: "userId", Reason: "must not be empty"}
	case len(userID) > maxUserIDLength:
		return &ValidationError{Field: "userId", Reason: fmt.Sprintf("must be at most %d bytes", maxUserIDLength)}
	case strings.Contains(userID, "|"):
		// The ledger's slot key joins user id and date with '|'.
		return &ValidationError{Field: "userId", Reason: "must not contain '|'"}
	}
	return nil
}

// Service validates and stores call settings
type Service struct {
	db     *db.DB
	logger *slog.Logger
}

// NewService creates a settings service
func NewService(database *db.DB, logger *slog.Logger) *Service {
	return &Service{db: database, logger: logger}
}

// Upsert validates in and creates or replaces the user's settings. Changes take
// effect from the next tick; a job already reserved for today is not touched.
func (s *Service) Upsert(ctx context.Context, in Input) (*db.CallSettings, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	cadence := in.Cadence
	if cadence == "" {
		cadence = db.CadenceDaily
	}

	record := &db.CallSettings{
		UserID:    in.UserID,
		PhoneE164: in.PhoneE164,
		Timezone:  in.Timezone,
		TimeOfDay: in.TimeOfDay,
		Cadence:   cadence,
		Active:    in.Active,
	}
	stored, err := s.db.SaveSettings(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("store settings for %s: %w", in.UserID, err)
	}

	s.logger.Info("settings saved",
		"user_id", stored.UserID,
		"timezone", stored.Timezone,
		"time_of_day", stored.TimeOfDay,
		"cadence", stored.Cadence,
		"active", stored.Active)
	return stored, nil
}

// ToggleActive switches the user's schedule on or off
func (s *Service) ToggleActive(ctx context.Context, userID string, active bool) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	if err := s.db.SetSettingsActive(ctx, userID, active); err != nil {
		return fmt.Errorf("set active for %s: %w", userID, err)
	}

	s.logger.Info("settings active changed", "user_id", userID, "active", active)
	return nil
}

// Delete removes the user's settings. Their call job history is retained.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	if err := s.db.DeleteSettings(ctx, userID); err != nil {
		return fmt.Errorf("delete settings for %s: %w", userID, err)
	}

	s.logger.Info("settings deleted", "user_id", userID)
	return nil
}

// Get returns the user's stored settings
func (s *Service) Get(ctx context.Context, userID string) (*db.CallSettings, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	stored, err := s.db.GetSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get settings for %s: %w", userID, err)
	}
	return stored, nil
}
