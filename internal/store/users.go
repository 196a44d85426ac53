package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
)

// User is an identity owning an ordered set of threads.
type User struct {
	ID        string    `json:"user_id"`
	Threads   []string  `json:"threads"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is a conversation owned by exactly one user. History lists the
// exchange ids produced on it, oldest first.
type Thread struct {
	ID        string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	History   []string  `json:"history"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser registers a new identity with no threads.
func (s *Store) CreateUser(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.E(apperr.ErrInvalidInput, "user id is required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		id, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.E(apperr.ErrConflict, "user %q already exists", id)
	}
	return &User{ID: id, Threads: []string{}, CreatedAt: now}, nil
}

// GetUser returns the user with its threads in creation order.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM users WHERE id = ?`, id).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "user %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	threads, err := s.userThreadIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Threads: threads, CreatedAt: parseTime(created)}, nil
}

// ListUsers returns every user, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var users []User
	for rows.Next() {
		var u User
		var created string
		if err := rows.Scan(&u.ID, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = parseTime(created)
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range users {
		threads, err := s.userThreadIDs(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
		users[i].Threads = threads
	}
	return users, nil
}

// DeleteUser removes the identity and detaches all of its threads. The
// detached thread ids are returned; exchanges are kept.
func (s *Store) DeleteUser(ctx context.Context, id string) ([]string, error) {
	threads, err := s.ListUserThreads(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM thread_history WHERE thread_id IN (SELECT id FROM threads WHERE user_id = ?)`, id,
	); err != nil {
		return nil, fmt.Errorf("delete history of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE user_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete threads of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.E(apperr.ErrNotFound, "user %q not found", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return threads, nil
}

// AttachThread adds an engine-issued thread to the end of the user's
// thread set.
func (s *Store) AttachThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	if threadID == "" {
		return nil, apperr.E(apperr.ErrInvalidInput, "thread id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := userExists(ctx, tx, userID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, position, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM threads WHERE user_id = ?), ?)
		 ON CONFLICT (id) DO NOTHING`,
		threadID, userID, userID, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("attach thread %s: %w", threadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.E(apperr.ErrConflict, "thread %q already exists", threadID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Thread{ID: threadID, UserID: userID, History: []string{}, CreatedAt: now}, nil
}

// DetachThread removes the thread from its owner's set along with its
// history list. Exchanges produced on it remain.
func (s *Store) DetachThread(ctx context.Context, userID, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ? AND user_id = ?`, threadID, userID)
	if err != nil {
		return fmt.Errorf("detach thread %s: %w", threadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.ErrNotFound, "thread %q not found for user %q", threadID, userID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_history WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete history of %s: %w", threadID, err)
	}
	return tx.Commit()
}

// GetThread returns the thread if it exists and is owned by userID.
func (s *Store) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	var t Thread
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM threads WHERE id = ? AND user_id = ?`,
		threadID, userID,
	).Scan(&t.ID, &t.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "thread %q not found for user %q", threadID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	t.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT exchange_id FROM thread_history WHERE thread_id = ? ORDER BY seq`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("thread history %s: %w", threadID, err)
	}
	defer rows.Close()

	t.History = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t.History = append(t.History, id)
	}
	return &t, rows.Err()
}

// ListUserThreads returns the user's thread ids in creation order.
func (s *Store) ListUserThreads(ctx context.Context, userID string) ([]string, error) {
	if err := userExists(ctx, s.db, userID); err != nil {
		return nil, err
	}
	return s.userThreadIDs(ctx, userID)
}

func (s *Store) userThreadIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM threads WHERE user_id = ? ORDER BY position`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads of %s: %w", userID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func userExists(ctx context.Context, q execer, userID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.E(apperr.ErrNotFound, "user %q not found", userID)
	}
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return nil
}
