// Package orchestrator accepts prompts on conversation threads, starts
// engine runs for them, and hands each run to the poller. It also owns
// the user and thread lifecycle and the in-memory result slots that
// waiters block on.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/config"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/metrics"
	"github.com/careerdesk/counselor/internal/poller"
	"github.com/careerdesk/counselor/internal/scheduler"
	"github.com/careerdesk/counselor/internal/store"
	"github.com/careerdesk/counselor/internal/usage"
)

// Ticket is returned by SubmitPrompt. Token identifies the run record
// and becomes the exchange id once the run completes.
type Ticket struct {
	Token    string          `json:"token"`
	ThreadID string          `json:"thread_id"`
	RunID    string          `json:"run_id"`
	Status   store.RunStatus `json:"status"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Assistant engine.Assistant
	Engine    engine.Client
	Store     *store.Store
	Tools     poller.Dispatcher
	Scheduler *scheduler.Scheduler
	Poll      poller.Config
	Events    *events.Bus
	Metrics   *metrics.Metrics
	// Usage, when set, records the token usage of every resolved run,
	// priced with Pricing.
	Usage   *usage.Store
	Pricing map[string]config.PricingEntry
	Logger  *slog.Logger
}

// Orchestrator is the entry point for prompt submission.
type Orchestrator struct {
	assistant engine.Assistant
	engine    engine.Client
	store     *store.Store
	poller    *poller.Poller
	bus       *events.Bus
	metrics   *metrics.Metrics
	usage     *usage.Store
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]string        // thread id -> token of its unresolved run
	waiters  map[string]chan struct{} // token -> closed on resolution
}

// New creates an Orchestrator and the poller that resolves its runs.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		assistant: d.Assistant,
		engine:    d.Engine,
		store:     d.Store,
		bus:       d.Events,
		metrics:   d.Metrics,
		usage:     d.Usage,
		logger:    logger.With("component", "orchestrator"),
		inflight:  make(map[string]string),
		waiters:   make(map[string]chan struct{}),
	}
	opts := []poller.Option{
		poller.WithEvents(d.Events),
		poller.WithMetrics(d.Metrics),
		poller.OnResolved(o.resolved),
	}
	if d.Usage != nil {
		opts = append(opts, poller.WithUsage(usage.NewMeter(d.Usage, d.Pricing, logger)))
	}
	o.poller = poller.New(d.Poll, d.Engine, d.Store, d.Tools, d.Scheduler, logger, opts...)
	return o
}

// Assistant returns the persona runs are started against.
func (o *Orchestrator) Assistant() engine.Assistant {
	return o.assistant
}

// Poller returns the poller resolving this orchestrator's runs.
func (o *Orchestrator) Poller() *poller.Poller {
	return o.poller
}

// SubmitPrompt posts prompt on the user's thread, starts a run and
// schedules its first poll. It returns without waiting for the run.
// Unknown users or threads, an empty prompt, and a thread that already
// has a run in flight are rejected before the engine is contacted.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, userID, threadID, prompt string) (Ticket, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return Ticket{}, err
	}
	if _, err := o.store.GetThread(ctx, userID, threadID); err != nil {
		return Ticket{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return Ticket{}, apperr.E(apperr.ErrInvalidInput, "prompt is required")
	}

	token := store.NewID()
	if !o.acquire(threadID, token) {
		return Ticket{}, apperr.E(apperr.ErrConflict, "thread %q already has a run in flight", threadID)
	}
	held := true
	defer func() {
		if held {
			o.release(threadID, token)
		}
	}()

	if _, err := o.engine.PostMessage(ctx, threadID, prompt); err != nil {
		return Ticket{}, err
	}
	run, err := o.engine.StartRun(ctx, threadID, o.assistant)
	if err != nil {
		return Ticket{}, err
	}

	rec := store.RunRecord{
		Token:    token,
		UserID:   userID,
		ThreadID: threadID,
		RunID:    run.ID,
		UserText: prompt,
	}
	if err := o.store.CreateRun(ctx, &rec); err != nil {
		return Ticket{}, err
	}
	held = false

	o.metrics.PromptSubmitted()
	o.bus.Emit(events.SourceOrchestrator, events.KindRunSubmitted, map[string]any{
		"token":     rec.Token,
		"user_id":   userID,
		"thread_id": threadID,
		"run_id":    run.ID,
		"status":    string(rec.Status),
	})
	o.logger.Info("prompt submitted", "user_id", userID, "thread_id", threadID, "run_id", run.ID, "token", token)

	o.poller.Schedule(rec)

	return Ticket{Token: token, ThreadID: threadID, RunID: run.ID, Status: rec.Status}, nil
}

// ListExchanges returns the engine's message list for the thread,
// newest first.
func (o *Orchestrator) ListExchanges(ctx context.Context, userID, threadID string) ([]engine.Message, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := o.store.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return o.engine.ListMessages(ctx, threadID)
}

// Result returns the current run record for token.
func (o *Orchestrator) Result(ctx context.Context, token string) (*store.RunRecord, error) {
	return o.store.GetRun(ctx, token)
}

// AwaitResult blocks until the run identified by token is resolved or
// ctx ends, and returns the latest record. A record that is still
// pending when ctx ends is returned without error.
func (o *Orchestrator) AwaitResult(ctx context.Context, token string) (*store.RunRecord, error) {
	for {
		ch := o.waiter(token)
		rec, err := o.store.GetRun(ctx, token)
		if err != nil {
			o.wake(token)
			return nil, err
		}
		if rec.Status.Terminal() {
			o.wake(token)
			return rec, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return rec, nil
		}
	}
}

// Resume reschedules runs left pending by a previous process and
// returns how many were picked up.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	pending, err := o.store.ListPendingRuns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range pending {
		if !o.acquire(rec.ThreadID, rec.Token) {
			o.logger.Warn("second pending run on thread not resumed",
				"thread_id", rec.ThreadID, "token", rec.Token)
			continue
		}
		o.metrics.RunResumed()
		o.poller.Schedule(rec)
		n++
	}
	if n > 0 {
		o.logger.Info("pending runs resumed", "count", n)
	}
	return n, nil
}

// acquire reserves threadID for the run identified by token.
func (o *Orchestrator) acquire(threadID, token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[threadID]; busy {
		return false
	}
	o.inflight[threadID] = token
	return true
}

func (o *Orchestrator) release(threadID, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[threadID] == token {
		delete(o.inflight, threadID)
	}
}

// InFlight reports the token of the unresolved run on threadID, if any.
func (o *Orchestrator) InFlight(threadID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	token, ok := o.inflight[threadID]
	return token, ok
}

func (o *Orchestrator) waiter(token string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.waiters[token]
	if !ok {
		ch = make(chan struct{})
		o.waiters[token] = ch
	}
	return ch
}

func (o *Orchestrator) wake(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.waiters[token]; ok {
		close(ch)
		delete(o.waiters, token)
	}
}

// resolved is called by the poller exactly once per run that reaches a
// terminal status.
func (o *Orchestrator) resolved(rec store.RunRecord) {
	o.release(rec.ThreadID, rec.Token)
	o.wake(rec.Token)
}
