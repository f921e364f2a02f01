package objstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// migrate runs the object-store index schema migrations against db using
// the same rakunlabs/muz driver the teacher uses for its sqlite stores.
func migrate(ctx context.Context, db *sql.DB, migrationsTable string) error {
	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]string{},
	}

	driver := muz.NewSQLiteDriver(db, migrationsTable, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run object store migrations: %w", err)
	}

	return nil
}
