// Package api exposes the settings boundary and the call job audit over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/schedule"
	"github.com/livinlefevreloca/wakecall/internal/settings"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxBodyBytes    = 1 << 16
)

// Config holds HTTP listener settings
type Config struct {
	Enabled      bool          `toml:"enabled" yaml:"enabled"`
	Address      string        `toml:"address" yaml:"address"`
	ReadTimeout  time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns HTTP defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Address:      "0.0.0.0:8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Handler serves the wakecall HTTP API
type Handler struct {
	settings *settings.Service
	ledger   *ledger.Ledger
	database *db.DB
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the API handler
func New(svc *settings.Service, l *ledger.Ledger, database *db.DB, logger *slog.Logger) *Handler {
	return &Handler{
		settings: svc,
		ledger:   l,
		database: database,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns a mux with every endpoint registered
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("PUT /v1/settings/{userId}", h.putSettings)
	mux.HandleFunc("GET /v1/settings/{userId}", h.getSettings)
	mux.HandleFunc("DELETE /v1/settings/{userId}", h.deleteSettings)
	mux.HandleFunc("PATCH /v1/settings/{userId}/active", h.patchActive)
	mux.HandleFunc("GET /v1/users/{userId}/jobs", h.listJobs)
	return mux
}

// NewServer wraps the handler in an http.Server configured from cfg
func NewServer(cfg Config, h *Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// =============================================================================
// Wire types
// =============================================================================

type settingsRequest struct {
	PhoneE164 string `json:"phoneE164"`
	Timezone  string `json:"timezone"`
	TimeOfDay string `json:"timeOfDay"`
	Cadence   string `json:"cadence"`
	Active    *bool  `json:"active"`
}

type settingsResponse struct {
	UserID    string     `json:"userId"`
	PhoneE164 string     `json:"phoneE164"`
	Timezone  string     `json:"timezone"`
	TimeOfDay string     `json:"timeOfDay"`
	Cadence   string     `json:"cadence"`
	Active    bool       `json:"active"`
	NextCall  *time.Time `json:"nextCall,omitempty"`
	NextDate  string     `json:"nextLocalDate,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	LocalDate   string     `json:"localDate"`
	PhoneE164   string     `json:"phoneE164"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	LastError   *string    `json:"lastError,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.database.PingContext(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	stored, err := h.settings.Upsert(r.Context(), settings.Input{
		UserID:    r.PathValue("userId"),
		PhoneE164: req.PhoneE164,
		Timezone:  req.Timezone,
		TimeOfDay: req.TimeOfDay,
		Cadence:   db.Cadence(req.Cadence),
		Active:    active,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.renderSettings(stored))
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	stored, err := h.settings.Get(r.Context(), r.PathValue("userId"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.renderSettings(stored))
}

func (h *Handler) deleteSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.Delete(r.Context(), r.PathValue("userId")); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) patchActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		h.writeError(w, &settings.ValidationError{Field: "active", Reason: "is required"})
		return
	}

	userID := r.PathValue("userId")
	if err := h.settings.ToggleActive(r.Context(), userID, *req.Active); err != nil {
		h.writeError(w, err)
		return
	}

	stored, err := h.settings.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.renderSettings(stored))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxJobLimit {
			h.writeError(w, &settings.ValidationError{Field: "limit", Reason: "must be between 1 and " + strconv.Itoa(maxJobLimit)})
			return
		}
		limit = n
	}

	jobs, err := h.ledger.JobsForUser(r.Context(), r.PathValue("userId"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse{
			ID:          j.ID,
			LocalDate:   j.LocalDate,
			PhoneE164:   j.PhoneE164,
			ScheduledAt: j.ScheduledAt,
			Status:      string(j.Status),
			Attempt:     j.Attempt,
			LastError:   j.LastError,
			LastErrorAt: j.LastErrorAt,
			NextRetryAt: j.NextRetryAt,
			CreatedAt:   j.CreatedAt,
			UpdatedAt:   j.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) renderSettings(s *db.CallSettings) settingsResponse {
	resp := settingsResponse{
		UserID:    s.UserID,
		PhoneE164: s.PhoneE164,
		Timezone:  s.Timezone,
		TimeOfDay: s.TimeOfDay,
		Cadence:   string(s.Cadence),
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}

	if s.Active {
		next, date, ok, err := schedule.Next(*s, h.now())
		if err != nil {
			h.logger.Error("data integrity: stored settings cannot be evaluated", "user_id", s.UserID, "error", err)
		} else if ok {
			resp.NextCall = &next
			resp.NextDate = date
		}
	}
	return resp
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *settings.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Field: verr.Field, Reason: verr.Reason})
	case db.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
