// Package store is the durable work store: a single sqlite file holding
// every row the reconcile loop claims, retries, and marks done. Every
// status column in here follows the same shape — pending/running/
// succeeded/failed(_permanent) plus attempts and next_run_at — because the
// claim protocol in claim.go is generic over that shape.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the sqlite connection. SQLite serializes writers itself once
// opened in WAL mode, so callers don't need an application-level lock
// around writes; the busy_timeout absorbs the brief contention.
type Store struct {
	db *sql.DB
}

// Open connects to the sqlite file at path, applies embedded migrations,
// and returns a ready Store. The DSN mirrors the durable-daemon pattern of
// foreign keys on, WAL journaling, a busy timeout so concurrent writers
// block instead of erroring, and immediate transaction locking so a writer
// claims the write lock at BEGIN rather than at first write.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer sqlite; avoid pool-level SQLITE_BUSY churn

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return src.Close()
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the underlying connection for packages that need a direct
// query the typed helpers here don't cover (e.g. search's FTS5 queries).
func (s *Store) DB() *sql.DB { return s.db }
