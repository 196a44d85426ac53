package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/careerdesk/counselor/internal/engine"
)

// assistantNamespace holds created assistant IDs keyed by definition
// fingerprint.
const assistantNamespace = "assistant"

// StateStore remembers created assistants across restarts.
type StateStore interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// EnsureAssistant returns the assistant every run is started against.
//
// An explicit id is always retrieved. Otherwise an assistant previously
// created from the same definition is reused when state remembers one,
// and want is created on the engine when it does not. Editing the
// definition in config therefore creates a fresh assistant. The per-run
// instructions of want are kept in every case because the engine does
// not store them. state may be nil.
func EnsureAssistant(ctx context.Context, eng engine.Client, id string, want engine.Assistant, state StateStore, logger *slog.Logger) (engine.Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if id != "" {
		a, err := eng.RetrieveAssistant(ctx, id)
		if err != nil {
			return engine.Assistant{}, fmt.Errorf("retrieve assistant %s: %w", id, err)
		}
		a.RunInstructions = want.RunInstructions
		logger.Info("using configured assistant", "assistant_id", a.ID, "name", a.Name)
		return a, nil
	}

	key := fingerprint(want)
	if state != nil {
		remembered, err := state.Get(ctx, assistantNamespace, key)
		if err != nil {
			logger.Warn("assistant state lookup failed", "error", err)
		}
		if remembered != "" {
			a, err := eng.RetrieveAssistant(ctx, remembered)
			if err == nil {
				a.RunInstructions = want.RunInstructions
				logger.Info("using remembered assistant", "assistant_id", a.ID, "name", a.Name)
				return a, nil
			}
			logger.Warn("remembered assistant unavailable, creating a new one",
				"assistant_id", remembered, "error", err)
		}
	}

	a, err := eng.CreateAssistant(ctx, want)
	if err != nil {
		return engine.Assistant{}, fmt.Errorf("create assistant: %w", err)
	}
	a.RunInstructions = want.RunInstructions
	logger.Info("assistant created", "assistant_id", a.ID, "name", a.Name, "model", a.Model, "tools", len(a.Tools))

	if state != nil {
		if err := state.Set(ctx, assistantNamespace, key, a.ID); err != nil {
			logger.Warn("assistant state save failed", "assistant_id", a.ID, "error", err)
		}
	}
	return a, nil
}

// fingerprint identifies the engine-side parts of an assistant
// definition. RunInstructions is excluded since it travels per run.
func fingerprint(a engine.Assistant) string {
	data, _ := json.Marshal(struct {
		Name         string
		Instructions string
		Model        string
		Tools        []engine.ToolDecl
	}{a.Name, a.Instructions, a.Model, a.Tools})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}
