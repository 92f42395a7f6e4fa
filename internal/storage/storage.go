// Package storage provides the typed query/exec layer over the two supported
// backends: an embedded single-writer SQLite file and a PostgreSQL server.
//
// Both are reached through database/sql via sqlx, so every query is written
// once with ? placeholders and rebound per dialect. Mutating callers
// serialize per project through WithLock; SQLite additionally serializes at
// the connection level (single writer), and Postgres takes an advisory lock
// derived from a 32-bit hash of the lock key.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kioku-ai/kioku/migrations"
)

// BackendKind identifies which backend a Store is running on.
type BackendKind string

const (
	BackendSQLite   BackendKind = "sqlite"
	BackendPostgres BackendKind = "postgres"
)

// Store is the shared handle passed into every service. It owns the
// connection pool, the process-local lock table, and the migration state.
type Store struct {
	db      *sqlx.DB
	backend BackendKind
	path    string // database file path; sqlite only
	locks   *keyedMutex
	logger  *slog.Logger

	lockTimeout time.Duration
}

// Options configures Open.
type Options struct {
	// DatabaseURL is a postgres:// DSN. When empty or unreachable, the
	// embedded backend at Path is used instead.
	DatabaseURL string
	// Path is the SQLite database file location.
	Path string
	// LockTimeout bounds WithLock acquisition; zero means 30s.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Open connects to the configured backend and runs migrations. A Postgres
// DSN that cannot be reached at startup transparently falls back to the
// embedded backend.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}

	if opts.DatabaseURL != "" {
		s, err := openPostgres(ctx, opts.DatabaseURL, logger, lockTimeout)
		if err == nil {
			return s, nil
		}
		logger.Warn("storage: postgres unreachable, falling back to embedded backend",
			"error", err, "path", opts.Path)
	}

	return openSQLite(ctx, opts.Path, logger, lockTimeout)
}

func openPostgres(ctx context.Context, dsn string, logger *slog.Logger, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	s := &Store{
		db:          db,
		backend:     BackendPostgres,
		locks:       newKeyedMutex(),
		logger:      logger,
		lockTimeout: lockTimeout,
	}
	if err := s.RunMigrations(ctx, migrations.Postgres()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("storage: postgres backend ready")
	return s, nil
}

func openSQLite(ctx context.Context, path string, logger *slog.Logger, lockTimeout time.Duration) (*Store, error) {
	if path == "" {
		path = "kioku.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &Store{
		db:          db,
		backend:     BackendSQLite,
		path:        path,
		locks:       newKeyedMutex(),
		logger:      logger,
		lockTimeout: lockTimeout,
	}
	if err := s.RunMigrations(ctx, migrations.SQLite()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("storage: embedded backend ready", "path", path)
	return s, nil
}

// Backend returns which backend this store runs on.
func (s *Store) Backend() BackendKind { return s.backend }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Query runs a multi-row select into dest (a slice pointer).
func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

// QueryOne runs a single-row select into dest, mapping sql.ErrNoRows to
// ErrNotFound.
func (s *Store) QueryOne(ctx context.Context, dest any, query string, args ...any) error {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Exec runs a statement and returns its result.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

// Transaction runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Rebind converts ? placeholders to the backend's native form. Exposed for
// callers that assemble dynamic SQL (the keyword index, list filters).
func (s *Store) Rebind(query string) string { return s.db.Rebind(query) }

// DatabaseSize returns the on-disk size in bytes: the file size for SQLite,
// pg_database_size for Postgres.
func (s *Store) DatabaseSize(ctx context.Context) (int64, error) {
	if s.backend == BackendSQLite {
		info, err := os.Stat(s.path)
		if err != nil {
			return 0, fmt.Errorf("storage: stat database file: %w", err)
		}
		return info.Size(), nil
	}
	var size int64
	if err := s.QueryOne(ctx, &size, `SELECT pg_database_size(current_database())`); err != nil {
		return 0, fmt.Errorf("storage: database size: %w", err)
	}
	return size, nil
}
