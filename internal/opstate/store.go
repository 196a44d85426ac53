// Package opstate remembers small values across restarts, such as the
// id of the assistant created on first boot.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS remembered_values (
	scope      TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	written_at TEXT NOT NULL,
	PRIMARY KEY (scope, name)
)`

// Store is backed by a table in the counselor database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create remembered_values: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns "" with a nil error when nothing is remembered under
// scope and name.
func (s *Store) Get(ctx context.Context, scope, name string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM remembered_values WHERE scope = ? AND name = ?`, scope, name)
	var v string
	switch err := row.Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read %s/%s: %w", scope, name, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, scope, name, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO remembered_values (scope, name, value, written_at) VALUES (?, ?, ?, ?)`,
		scope, name, value, now); err != nil {
		return fmt.Errorf("write %s/%s: %w", scope, name, err)
	}
	return nil
}
