package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

// Run record statuses.
const (
	// RunPending: the engine has not finished; polling continues.
	RunPending RunStatus = "pending"
	// RunCompleted: the exchange was persisted.
	RunCompleted RunStatus = "completed"
	// RunFailed: the engine reported failure or produced an unusable
	// message list.
	RunFailed RunStatus = "failed"
	// RunUnpersisted: the engine completed but the exchange could not be
	// stored. AssistantText carries the reply.
	RunUnpersisted RunStatus = "unpersisted"
	// RunAbandoned: polling stopped before the engine finished (attempt
	// budget spent or thread deleted).
	RunAbandoned RunStatus = "abandoned"
)

// Terminal reports whether no further polling will happen.
func (s RunStatus) Terminal() bool { return s != RunPending }

// ErrAlreadyResolved is returned when a run record that already left
// the pending state is resolved again.
var ErrAlreadyResolved = apperr.E(apperr.ErrConflict, "run already resolved")

// RunRecord is the result slot of one submitted prompt. Token is the
// acceptance token handed to the caller and becomes the exchange id.
type RunRecord struct {
	Token         string    `json:"token"`
	UserID        string    `json:"user_id"`
	ThreadID      string    `json:"thread_id"`
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	UserText      string    `json:"usercontent"`
	AssistantText string    `json:"aicontent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateRun records a newly submitted run as pending.
func (s *Store) CreateRun(ctx context.Context, r *RunRecord) error {
	if r.Token == "" {
		r.Token = NewID()
	}
	now := time.Now().UTC()
	r.Status = RunPending
	r.CreatedAt, r.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (token, user_id, thread_id, run_id, status, attempts, error,
		                   user_text, assistant_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, '', ?, ?)
		 ON CONFLICT (token) DO NOTHING`,
		r.Token, r.UserID, r.ThreadID, r.RunID, r.Status, r.Attempts,
		r.UserText, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.Token, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.ErrConflict, "run %q already exists", r.Token)
	}
	return nil
}

// GetRun returns the run record for token.
func (s *Store) GetRun(ctx context.Context, token string) (*RunRecord, error) {
	return getRun(ctx, s.db, token)
}

func getRun(ctx context.Context, q execer, token string) (*RunRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT token, user_id, thread_id, run_id, status, attempts, error,
		        user_text, assistant_text, created_at, updated_at
		 FROM runs WHERE token = ?`, token,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "run %q not found", token)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", token, err)
	}
	return r, nil
}

// UpdateRun writes the mutable fields of a pending record: status,
// attempts, error and assistant text. Records that already left the
// pending state are not touched and yield [ErrAlreadyResolved].
func (s *Store) UpdateRun(ctx context.Context, r *RunRecord) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, attempts = ?, error = ?, assistant_text = ?, updated_at = ?
		 WHERE token = ? AND status = ?`,
		r.Status, r.Attempts, r.Error, r.AssistantText, formatTime(r.UpdatedAt),
		r.Token, RunPending,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.Token, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, r.Token); err != nil {
			return err
		}
		return fmt.Errorf("update run %s: %w", r.Token, ErrAlreadyResolved)
	}
	return nil
}

// CompleteRun resolves a pending run: it creates the exchange (id =
// token), appends it to the thread history and marks the record
// completed, all in one transaction.
func (s *Store) CompleteRun(ctx context.Context, token, userText, assistantText string) (*Exchange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, err := getRun(ctx, tx, token)
	if err != nil {
		return nil, err
	}
	if r.Status != RunPending {
		return nil, fmt.Errorf("complete run %s (%s): %w", token, r.Status, ErrAlreadyResolved)
	}

	e := &Exchange{
		ID:            token,
		UserID:        r.UserID,
		ThreadID:      r.ThreadID,
		UserText:      userText,
		AssistantText: assistantText,
	}
	if err := createExchange(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := appendThreadHistory(ctx, tx, r.ThreadID, e.ID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, user_text = ?, assistant_text = ?, error = '', updated_at = ?
		 WHERE token = ?`,
		RunCompleted, userText, assistantText, formatTime(time.Now().UTC()), token,
	)
	if err != nil {
		return nil, fmt.Errorf("mark run %s completed: %w", token, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// ListPendingRuns returns every record still awaiting resolution,
// oldest first.
func (s *Store) ListPendingRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, user_id, thread_id, run_id, status, attempts, error,
		        user_text, assistant_text, created_at, updated_at
		 FROM runs WHERE status = ? ORDER BY created_at, token`, RunPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRun(r rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var status, created, updated string
	if err := r.Scan(&rec.Token, &rec.UserID, &rec.ThreadID, &rec.RunID, &status, &rec.Attempts,
		&rec.Error, &rec.UserText, &rec.AssistantText, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = RunStatus(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}
