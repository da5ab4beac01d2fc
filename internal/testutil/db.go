package testutil

import (
	"context"
	"testing"

	"github.com/livinlefevreloca/wakecall/internal/db"
)

// NewTestDB opens an in-memory SQLite database with every migration applied.
// The pool holds a single connection, so all callers share one database.
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(db.DriverSQLite3, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	return database
}

// SeedSettings stores settings for a test, failing the test on error.
func SeedSettings(t testing.TB, database *db.DB, s db.CallSettings) {
	t.Helper()

	if err := database.UpsertSettings(context.Background(), &s); err != nil {
		t.Fatalf("failed to seed settings for %s: %v", s.UserID, err)
	}
}
