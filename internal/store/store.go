// Package store owns the relational persistence layer: a pluggable
// database/sql connection (pure-Go SQLite by default, Postgres optional)
// and the migration runner that creates dialog_history, user_rules,
// action_log, and the per-kind memory_vectors_* tables.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open connects to the configured database. dsn beginning with
// "postgres://" or "postgresql://" selects the lib/pq driver; anything
// else (including the empty string, which opens an in-memory database) is
// treated as a SQLite path for modernc.org/sqlite.
func Open(dsn string) (*sql.DB, error) {
	driver, source := driverFor(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return db, nil
}

func driverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case dsn == "":
		return "sqlite", ":memory:"
	default:
		return "sqlite", dsn
	}
}

// Migrate applies every embedded migration file in lexical order. Each
// file is expected to be idempotent (CREATE TABLE/INDEX IF NOT EXISTS);
// a heavier migration framework (golang-migrate, goose, …) has no other
// use in this repo.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("store: apply %s: %w", name, err)
		}
	}
	return nil
}
