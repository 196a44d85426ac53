package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
)

// Exchange is one persisted user utterance and the assistant reply to
// it. It is created exactly once and never changes.
type Exchange struct {
	ID            string    `json:"message_id"`
	UserID        string    `json:"user_id"`
	ThreadID      string    `json:"thread_id"`
	UserText      string    `json:"usercontent"`
	AssistantText string    `json:"aicontent"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateExchange persists e. A duplicate id is a conflict.
func (s *Store) CreateExchange(ctx context.Context, e *Exchange) error {
	return createExchange(ctx, s.db, e)
}

func createExchange(ctx context.Context, q execer, e *Exchange) error {
	if e.ID == "" {
		return apperr.E(apperr.ErrInvalidInput, "exchange id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO exchanges (id, user_id, thread_id, user_text, assistant_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.ThreadID, e.UserText, e.AssistantText, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create exchange %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.ErrConflict, "exchange %q already exists", e.ID)
	}
	return nil
}

// AppendThreadHistory adds exchangeID to the end of the thread's
// history.
func (s *Store) AppendThreadHistory(ctx context.Context, threadID, exchangeID string) error {
	return appendThreadHistory(ctx, s.db, threadID, exchangeID)
}

func appendThreadHistory(ctx context.Context, q execer, threadID, exchangeID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.E(apperr.ErrNotFound, "thread %q not found", threadID)
	}
	if err != nil {
		return fmt.Errorf("lookup thread %s: %w", threadID, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO thread_history (thread_id, seq, exchange_id)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM thread_history WHERE thread_id = ?), ?)`,
		threadID, threadID, exchangeID,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", threadID, err)
	}
	return nil
}

// GetExchange returns one exchange by id.
func (s *Store) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, thread_id, user_text, assistant_text, created_at
		 FROM exchanges WHERE id = ?`, id,
	)
	e, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "exchange %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange %s: %w", id, err)
	}
	return e, nil
}

// ListUserExchanges returns every exchange the user produced, including
// those on threads since deleted, oldest first.
func (s *Store) ListUserExchanges(ctx context.Context, userID string) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, user_text, assistant_text, created_at
		 FROM exchanges WHERE user_id = ? ORDER BY created_at, rowid`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list exchanges of %s: %w", userID, err)
	}
	defer rows.Close()
	return scanExchanges(rows)
}

// ThreadHistory returns the exchanges of a thread owned by userID in
// history order.
func (s *Store) ThreadHistory(ctx context.Context, userID, threadID string) ([]Exchange, error) {
	if _, err := s.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.user_id, e.thread_id, e.user_text, e.assistant_text, e.created_at
		 FROM thread_history h JOIN exchanges e ON e.id = h.exchange_id
		 WHERE h.thread_id = ? ORDER BY h.seq`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("thread history %s: %w", threadID, err)
	}
	defer rows.Close()
	return scanExchanges(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(r rowScanner) (*Exchange, error) {
	var e Exchange
	var created string
	if err := r.Scan(&e.ID, &e.UserID, &e.ThreadID, &e.UserText, &e.AssistantText, &created); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	out := []Exchange{}
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
