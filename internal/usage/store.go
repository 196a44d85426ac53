// Package usage records the token consumption and cost of every
// resolved run. Records are append-only, one per run, and aggregate per
// user over a time window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careerdesk/counselor/internal/config"
)

// tsLayout is fixed width so stored timestamps compare as strings.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Record is one run's token usage.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	RunID        string    `json:"run_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Runs         int     `json:"runs"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store is an append-only usage table in the shared database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	token         TEXT NOT NULL UNIQUE,
	user_id       TEXT NOT NULL,
	thread_id     TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, timestamp);
`

// NewStore creates the usage table in db if it is missing.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create usage_records: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists rec. A second record for the same run token is
// ignored. Empty ID and zero Timestamp are filled in.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, token, user_id, thread_id, run_id, model,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token) DO NOTHING`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.Token,
		rec.UserID,
		rec.ThreadID,
		rec.RunID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals userID's records within [start, end).
func (s *Store) Summary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`,
		userID,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Runs, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel is [Store.Summary] split by model.
func (s *Store) SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY model`,
		userID,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Runs, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[model] = &sum
	}
	return result, rows.Err()
}

// ComputeCost prices a run's tokens at the per-million rates configured
// for model. Unpriced models cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	p := pricing[model]
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1e6
}
