// Package store persists users, their conversation threads, the
// exchanges produced on those threads, and the result records of
// in-flight runs. Exchanges are write-once: the package offers no way
// to update or delete one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed exchange store. All public methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file counselor.db in
// dataDir and migrates it.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "counselor.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying database for tables owned by other
// packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		position   INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, position);

	CREATE TABLE IF NOT EXISTS thread_history (
		thread_id   TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		exchange_id TEXT NOT NULL,
		PRIMARY KEY (thread_id, seq)
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		thread_id      TEXT NOT NULL,
		user_text      TEXT NOT NULL,
		assistant_text TEXT NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_user ON exchanges(user_id);

	CREATE TABLE IF NOT EXISTS runs (
		token          TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		thread_id      TEXT NOT NULL,
		run_id         TEXT NOT NULL,
		status         TEXT NOT NULL,
		attempts       INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		user_text      TEXT NOT NULL DEFAULT '',
		assistant_text TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
