package settings_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/settings"
	"github.com/livinlefevreloca/wakecall/internal/testutil"
)

func validInput() settings.Input {
	return settings.Input{
		UserID:    "user-1",
		PhoneE164: "+14155550100",
		Timezone:  "America/New_York",
		TimeOfDay: "09:00",
		Cadence:   db.CadenceWeekdays,
		Active:    true,
	}
}

func newService(t *testing.T) (*settings.Service, *db.DB) {
	t.Helper()
	database := testutil.NewTestDB(t)
	return settings.NewService(database, testutil.NewTestLogger().Logger()), database
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*settings.Input)
		field  string
	}{
		{"valid", func(*settings.Input) {}, ""},
		{"empty cadence defaults", func(in *settings.Input) { in.Cadence = "" }, ""},
		{"utc zone", func(in *settings.Input) { in.Timezone = "UTC" }, ""},
		{"half hour zone", func(in *settings.Input) { in.Timezone = "Asia/Kolkata" }, ""},
		{"midnight", func(in *settings.Input) { in.TimeOfDay = "00:00" }, ""},
		{"last minute", func(in *settings.Input) { in.TimeOfDay = "23:59" }, ""},

		{"empty user", func(in *settings.Input) { in.UserID = "" }, "userId"},
		{"blank user", func(in *settings.Input) { in.UserID = "   " }, "userId"},
		{"user with separator", func(in *settings.Input) { in.UserID = "a|b" }, "userId"},
		{"user too long", func(in *settings.Input) { in.UserID = strings.Repeat("u", 129) }, "userId"},
		{"phone without plus", func(in *settings.Input) { in.PhoneE164 = "14155550100" }, "phoneE164"},
		{"phone leading zero", func(in *settings.Input) { in.PhoneE164 = "+04155550100" }, "phoneE164"},
		{"phone too long", func(in *settings.Input) { in.PhoneE164 = "+1234567890123456" }, "phoneE164"},
		{"phone with spaces", func(in *settings.Input) { in.PhoneE164 = "+1 415 555 0100" }, "phoneE164"},
		{"unknown zone", func(in *settings.Input) { in.Timezone = "Mars/Olympus_Mons" }, "timezone"},
		{"empty zone", func(in *settings.Input) { in.Timezone = "" }, "timezone"},
		{"host local zone", func(in *settings.Input) { in.Timezone = "Local" }, "timezone"},
		{"hour 24", func(in *settings.Input) { in.TimeOfDay = "24:00" }, "timeOfDay"},
		{"single digit hour", func(in *settings.Input) { in.TimeOfDay = "9:00" }, "timeOfDay"},
		{"seconds", func(in *settings.Input) { in.TimeOfDay = "09:00:00" }, "timeOfDay"},
		{"twelve hour", func(in *settings.Input) { in.TimeOfDay = "9am" }, "timeOfDay"},
		{"unknown cadence", func(in *settings.Input) { in.Cadence = "monthly" }, "cadence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			err := settings.Validate(in)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			var verr *settings.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.NotEmpty(t, verr.Reason)
		})
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestUpsert_StoresSettings(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()

	stored, err := svc.Upsert(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, db.CadenceWeekdays, stored.Cadence)

	got, err := database.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "+14155550100", got.PhoneE164)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.True(t, got.Active)
}

func TestUpsert_DefaultsCadence(t *testing.T) {
	svc, _ := newService(t)

	in := validInput()
	in.Cadence = ""
	stored, err := svc.Upsert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, db.CadenceDaily, stored.Cadence)
}

func TestUpsert_RejectsInvalidWithoutWriting(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()

	in := validInput()
	in.Timezone = "Not/AZone"
	_, err := svc.Upsert(ctx, in)
	assert.True(t, settings.IsValidationError(err))

	_, err = database.GetSettings(ctx, "user-1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestUpsert_ReplaceKeepsCreatedAt(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, validInput())
	require.NoError(t, err)

	in := validInput()
	in.TimeOfDay = "07:30"
	second, err := svc.Upsert(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, "07:30", second.TimeOfDay)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func TestToggleActive(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, svc.ToggleActive(ctx, "user-1", false))
	got, err := database.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, svc.ToggleActive(ctx, "user-1", true))
	active, err := database.ListActiveSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestToggleActive_UnknownUser(t *testing.T) {
	svc, _ := newService(t)

	err := svc.ToggleActive(context.Background(), "nobody", true)
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "user-1"))

	_, err = svc.Get(ctx, "user-1")
	assert.ErrorIs(t, err, settings.ErrNotFound)

	err = svc.Delete(ctx, "user-1")
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func TestGet_InvalidUserID(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Get(context.Background(), "")
	assert.True(t, settings.IsValidationError(err))
}
