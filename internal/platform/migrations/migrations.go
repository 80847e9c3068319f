// Package migrations embeds the core schema and applies it with
// golang-migrate, the same library the teacher's infrastructure used for
// its own schema management (sourced from the retrieval pack's migrate
// usage), in place of hand-rolled DDL execution.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Apply runs every pending up migration against db. It is safe to call on
// every process start: golang-migrate tracks the applied version in a
// schema_migrations table and is a no-op once the schema is current. ctx is
// accepted for call-site symmetry with the rest of the platform package;
// golang-migrate's Up itself has no context-aware variant.
func Apply(ctx context.Context, db *sql.DB) error {
	_ = ctx
	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return fmt.Errorf("migrations: open embedded source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: new migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}
