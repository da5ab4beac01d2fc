package db

import (
	"context"
	"embed"
	"io/fs"

	"github.com/livinlefevreloca/wakecall/tools/migrator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the versioned schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		// The directory is embedded at build time.
		panic(err)
	}
	return sub
}

// Migrate applies any pending embedded migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return migrator.RunMigrations(ctx, db.DB, db.driver, Migrations())
}
