package usage

import (
	"context"
	"log/slog"

	"github.com/careerdesk/counselor/internal/config"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/store"
)

// Meter prices and records the usage the engine reports for a run.
type Meter struct {
	store   *Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewMeter returns a Meter writing to s.
func NewMeter(s *Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{store: s, pricing: pricing, logger: logger.With("component", "usage")}
}

// RecordUsage stores u for the run rec. Failures are logged only; a
// missing usage row never affects the run outcome.
func (m *Meter) RecordUsage(ctx context.Context, rec store.RunRecord, model string, u engine.Usage) {
	cost := ComputeCost(model, u.PromptTokens, u.CompletionTokens, m.pricing)
	err := m.store.Record(ctx, Record{
		Token:        rec.Token,
		UserID:       rec.UserID,
		ThreadID:     rec.ThreadID,
		RunID:        rec.RunID,
		Model:        model,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		CostUSD:      cost,
	})
	if err != nil {
		m.logger.Warn("usage not recorded", "token", rec.Token, "error", err)
		return
	}
	m.logger.Debug("usage recorded",
		"token", rec.Token,
		"model", model,
		"input_tokens", u.PromptTokens,
		"output_tokens", u.CompletionTokens,
		"cost_usd", cost,
	)
}
