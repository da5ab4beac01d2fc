package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/settings"
	"github.com/livinlefevreloca/wakecall/internal/testutil"
)

type testServer struct {
	handler *Handler
	db      *db.DB
	ledger  *ledger.Ledger
	mux     *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database := testutil.NewTestDB(t)
	logger := testutil.NewTestLogger().Logger()
	l := ledger.New(database, logger)
	h := New(settings.NewService(database, logger), l, database, logger)
	// Sunday 2024-03-10 12:00 UTC
	h.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }

	return &testServer{handler: h, db: database, ledger: l, mux: h.Routes()}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"phoneE164":"+14155550100","timezone":"America/New_York","timeOfDay":"09:00","cadence":"weekdays"}`

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// =============================================================================
// Settings Endpoint Tests
// =============================================================================

func TestPutSettings(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/v1/settings/user-1", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[settingsResponse](t, rec)
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, "weekdays", resp.Cadence)
	assert.True(t, resp.Active, "active defaults to true")

	// Next weekday after Sunday noon UTC is Monday 2024-03-11, 09:00 EDT.
	require.NotNil(t, resp.NextCall)
	assert.True(t, time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC).Equal(*resp.NextCall))
	assert.Equal(t, "2024-03-11", resp.NextDate)

	stored, err := s.db.GetSettings(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", stored.Timezone)
}

func TestPutSettings_ValidationError(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad phone", `{"phoneE164":"555-0100","timezone":"UTC","timeOfDay":"09:00"}`, "phoneE164"},
		{"bad zone", `{"phoneE164":"+14155550100","timezone":"Nowhere/City","timeOfDay":"09:00"}`, "timezone"},
		{"bad time", `{"phoneE164":"+14155550100","timezone":"UTC","timeOfDay":"25:00"}`, "timeOfDay"},
		{"bad cadence", `{"phoneE164":"+14155550100","timezone":"UTC","timeOfDay":"09:00","cadence":"hourly"}`, "cadence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(t, http.MethodPut, "/v1/settings/user-1", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			resp := decodeBody[errorResponse](t, rec)
			assert.Equal(t, tt.field, resp.Field)
			assert.NotEmpty(t, resp.Reason)

			_, err := s.db.GetSettings(context.Background(), "user-1")
			assert.ErrorIs(t, err, db.ErrNotFound)
		})
	}
}

func TestPutSettings_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/v1/settings/user-1", `{"phoneE164":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/settings/user-1", `{"phone":"+14155550100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestGetSettings(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/settings/user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.do(t, http.MethodPut, "/v1/settings/user-1", validBody)

	rec = s.do(t, http.MethodGet, "/v1/settings/user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[settingsResponse](t, rec)
	assert.Equal(t, "+14155550100", resp.PhoneE164)
}

func TestPatchActive(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPut, "/v1/settings/user-1", validBody)

	rec := s.do(t, http.MethodPatch, "/v1/settings/user-1/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[settingsResponse](t, rec)
	assert.False(t, resp.Active)
	assert.Nil(t, resp.NextCall, "inactive settings have no next call")

	rec = s.do(t, http.MethodPatch, "/v1/settings/user-1/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "active", decodeBody[errorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPatch, "/v1/settings/nobody/active", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSettings_KeepsJobs(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.do(t, http.MethodPut, "/v1/settings/user-1", validBody)

	_, err := s.ledger.Reserve(ctx, "user-1", "2024-03-11", "+14155550100", time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	rec := s.do(t, http.MethodDelete, "/v1/settings/user-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/settings/user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/users/user-1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]jobResponse](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.Equal(t, "2024-03-11", jobs[0].LocalDate)
	assert.Nil(t, jobs[0].NextRetryAt)
}

// =============================================================================
// Jobs and Health Tests
// =============================================================================

func TestListJobs_Limit(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for _, date := range []string{"2024-03-11", "2024-03-12", "2024-03-13"} {
		at, err := time.Parse("2006-01-02", date)
		require.NoError(t, err)
		_, err = s.ledger.Reserve(ctx, "user-1", date, "+14155550100", at.Add(13*time.Hour))
		require.NoError(t, err)
	}

	rec := s.do(t, http.MethodGet, "/v1/users/user-1/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]jobResponse](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/v1/users/user-1/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/users/nobody/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestListJobs_ShowsRetrySchedule(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	job, err := s.ledger.Reserve(ctx, "user-1", "2024-03-11", "+14155550100", time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.ledger.MarkDispatching(ctx, job.ID))
	require.NoError(t, s.ledger.RecordResult(ctx, job.ID, db.StatusFailedRetryable, 1, errors.New("busy")))

	rec := s.do(t, http.MethodGet, "/v1/users/user-1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]jobResponse](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed_retryable", jobs[0].Status)
	require.NotNil(t, jobs[0].LastErrorAt)
	require.NotNil(t, jobs[0].NextRetryAt)
	assert.True(t, jobs[0].NextRetryAt.After(*jobs[0].LastErrorAt))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.db.Close()
	rec = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/settings/user-1", validBody)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
