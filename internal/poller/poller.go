// Package poller drives a started engine run to resolution. Each step
// polls the run status and, depending on it, persists the finished
// exchange, answers requested tool calls, fails the run, or leaves it
// pending for the next scheduled step.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/metrics"
	"github.com/careerdesk/counselor/internal/scheduler"
	"github.com/careerdesk/counselor/internal/store"
	"github.com/careerdesk/counselor/internal/tools"
)

// Store is the persistence the poller needs.
type Store interface {
	GetRun(ctx context.Context, token string) (*store.RunRecord, error)
	UpdateRun(ctx context.Context, r *store.RunRecord) error
	CompleteRun(ctx context.Context, token, userText, assistantText string) (*store.Exchange, error)
	GetThread(ctx context.Context, userID, threadID string) (*store.Thread, error)
	ListPendingRuns(ctx context.Context) ([]store.RunRecord, error)
}

// Dispatcher executes tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, argsJSON string) tools.Output
}

// UsageRecorder receives the token usage of every terminal run.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec store.RunRecord, model string, u engine.Usage)
}

// bookkeepingTimeout bounds the store writes made after a step timed out.
const bookkeepingTimeout = 10 * time.Second

// Config controls polling cadence.
type Config struct {
	// Delay is waited before every step, including the first.
	Delay time.Duration
	// MaxAttempts bounds the number of engine polls per run.
	MaxAttempts int
}

// Poller resolves runs.
type Poller struct {
	cfg        Config
	engine     engine.Client
	store      Store
	tools      Dispatcher
	sched      *scheduler.Scheduler
	bus        *events.Bus
	metrics    *metrics.Metrics
	usage      UsageRecorder
	logger     *slog.Logger
	onResolved func(store.RunRecord)
	flight     singleflight.Group
}

// Option configures a Poller.
type Option func(*Poller)

// WithEvents publishes run lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(p *Poller) { p.bus = bus }
}

// WithMetrics records poll and tool metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithUsage records the token usage the engine reports.
func WithUsage(u UsageRecorder) Option {
	return func(p *Poller) { p.usage = u }
}

// OnResolved registers fn to be called once for every run that reaches
// a terminal status.
func OnResolved(fn func(store.RunRecord)) Option {
	return func(p *Poller) { p.onResolved = fn }
}

// New creates a Poller. Steps are scheduled on sched.
func New(cfg Config, eng engine.Client, st Store, disp Dispatcher, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Poller{
		cfg:    cfg,
		engine: eng,
		store:  st,
		tools:  disp,
		sched:  sched,
		logger: logger.With("component", "poller"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Schedule arranges the next step of rec after the configured delay.
// Steps are keyed by token and grouped by thread.
func (p *Poller) Schedule(rec store.RunRecord) bool {
	token := rec.Token
	return p.sched.Schedule(token, rec.ThreadID, p.cfg.Delay, func(ctx context.Context) {
		p.scheduledStep(ctx, token)
	})
}

func (p *Poller) scheduledStep(ctx context.Context, token string) {
	rec, err := p.Step(ctx, token)
	if errors.Is(ctx.Err(), context.Canceled) {
		p.logger.Debug("step cancelled", "token", token)
		return
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		rec, err = p.stepTimedOut(ctx, token)
	}
	if err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			p.logger.Debug("run already resolved", "token", token)
			return
		}
		p.logger.Error("poll step failed", "token", token, "error", err)
		return
	}
	if rec.Status == store.RunPending {
		p.Schedule(*rec)
	}
}

// stepTimedOut counts a step that ran out of time as a failed poll.
// The step's own context is spent, so bookkeeping runs on a fresh one.
func (p *Poller) stepTimedOut(stepCtx context.Context, token string) (*store.RunRecord, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(stepCtx), bookkeepingTimeout)
	defer cancel()

	rec, err := p.store.GetRun(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("step %s: %w", token, store.ErrAlreadyResolved)
	}
	rec.Attempts++
	p.logger.Warn("poll step timed out", "token", token, "thread_id", rec.ThreadID, "attempt", rec.Attempts)
	return p.stillPending(ctx, rec, "poll step timed out")
}

// Step performs one poll step for the run identified by token and
// returns the updated record. A pending record means the run is
// unresolved and another step is due. Concurrent calls for the same
// token share one execution. Stepping a run that is already terminal
// returns its record with [store.ErrAlreadyResolved].
func (p *Poller) Step(ctx context.Context, token string) (*store.RunRecord, error) {
	v, err, shared := p.flight.Do(token, func() (any, error) {
		return p.step(ctx, token)
	})
	if shared {
		p.logger.Debug("concurrent step collapsed", "token", token)
	}
	rec, _ := v.(*store.RunRecord)
	if rec != nil {
		cp := *rec
		rec = &cp
	}
	return rec, err
}

func (p *Poller) step(ctx context.Context, token string) (*store.RunRecord, error) {
	rec, err := p.store.GetRun(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("step %s: %w", token, store.ErrAlreadyResolved)
	}

	log := p.logger.With("token", token, "thread_id", rec.ThreadID, "run_id", rec.RunID)

	if _, err := p.store.GetThread(ctx, rec.UserID, rec.ThreadID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return p.abandon(ctx, rec, "thread no longer exists")
		}
		return rec, err
	}

	rec.Attempts++
	run, err := p.engine.GetRun(ctx, rec.ThreadID, rec.RunID)
	if err != nil {
		log.Warn("poll failed", "attempt", rec.Attempts, "error", err)
		return p.stillPending(ctx, rec, err.Error())
	}

	p.metrics.Polled(string(run.Status))
	p.emit(events.KindRunPolled, rec, "engine_status", string(run.Status), "attempt", rec.Attempts)
	log.Debug("run polled", "engine_status", run.Status, "attempt", rec.Attempts)

	if p.usage != nil && run.Usage != nil && run.Status.Terminal() {
		p.usage.RecordUsage(ctx, *rec, run.Model, *run.Usage)
	}

	switch {
	case run.Status == engine.StatusCompleted:
		return p.complete(ctx, rec)
	case run.Status == engine.StatusRequiresAction:
		if err := p.answerToolCalls(ctx, rec, run); err != nil {
			log.Warn("tool output submission failed", "error", err)
			return p.stillPending(ctx, rec, err.Error())
		}
		return p.stillPending(ctx, rec, "")
	case run.Status.Terminal():
		reason := string(run.Status)
		if run.LastError != "" {
			reason += ": " + run.LastError
		}
		return p.fail(ctx, rec, reason)
	default:
		return p.stillPending(ctx, rec, "")
	}
}

// stillPending persists the attempt count, or abandons the run when
// the attempt budget is spent.
func (p *Poller) stillPending(ctx context.Context, rec *store.RunRecord, lastErr string) (*store.RunRecord, error) {
	if rec.Attempts >= p.cfg.MaxAttempts {
		reason := fmt.Sprintf("no resolution after %d polls", rec.Attempts)
		if lastErr != "" {
			reason += " (last error: " + lastErr + ")"
		}
		return p.abandon(ctx, rec, reason)
	}
	rec.Error = lastErr
	if err := p.store.UpdateRun(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// complete reads the finished exchange off the thread and persists it.
// The newest message is the reply and the one before it the user's
// utterance. A reply without that pair behind it is handed back as
// unpersisted.
func (p *Poller) complete(ctx context.Context, rec *store.RunRecord) (*store.RunRecord, error) {
	msgs, err := p.engine.ListMessages(ctx, rec.ThreadID)
	if err != nil {
		p.logger.Warn("list messages failed", "token", rec.Token, "error", err)
		return p.stillPending(ctx, rec, err.Error())
	}
	if len(msgs) == 0 || msgs[0].Role != engine.RoleAssistant {
		err := apperr.E(apperr.ErrUpstream, "completed run has no assistant reply (%d messages)", len(msgs))
		return p.fail(ctx, rec, err.Error())
	}
	reply := msgs[0].Text
	if len(msgs) < 2 || msgs[1].Role != engine.RoleUser {
		err := apperr.E(apperr.ErrUpstream, "reply is not preceded by the user utterance (%d messages)", len(msgs))
		p.logger.Warn("exchange not persisted", "token", rec.Token, "error", err)
		return p.unpersisted(ctx, rec, reply, err.Error())
	}
	utterance := msgs[1].Text

	if _, err := p.store.CompleteRun(ctx, rec.Token, utterance, reply); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			cur, getErr := p.store.GetRun(ctx, rec.Token)
			if getErr != nil {
				return rec, err
			}
			return cur, err
		}
		p.logger.Error("exchange not persisted", "token", rec.Token, "error", err)
		return p.unpersisted(ctx, rec, reply, err.Error())
	}

	rec.Status = store.RunCompleted
	rec.UserText = utterance
	rec.AssistantText = reply
	rec.Error = ""
	p.logger.Info("run completed", "token", rec.Token, "thread_id", rec.ThreadID, "attempts", rec.Attempts)
	p.resolved(rec, events.KindRunCompleted, "usercontent", utterance, "aicontent", reply)
	return rec, nil
}

// unpersisted resolves a run whose reply exists but could not be stored
// as an exchange. The reply travels on the run record.
func (p *Poller) unpersisted(ctx context.Context, rec *store.RunRecord, reply, reason string) (*store.RunRecord, error) {
	rec.Status = store.RunUnpersisted
	rec.AssistantText = reply
	rec.Error = reason
	if err := p.store.UpdateRun(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			return rec, err
		}
		p.logger.Error("record unpersisted status", "token", rec.Token, "error", err)
	}
	p.resolved(rec, events.KindRunUnpersisted, "aicontent", reply, "error", reason)
	return rec, nil
}

// answerToolCalls dispatches every requested call and submits the
// outputs in one batch. Unrecognized calls get no entry; failed calls
// get an empty output.
func (p *Poller) answerToolCalls(ctx context.Context, rec *store.RunRecord, run engine.Run) error {
	toolCtx := tools.WithThreadID(ctx, rec.ThreadID)
	outputs := make([]engine.ToolOutput, 0, len(run.ToolCalls))

	for _, call := range run.ToolCalls {
		p.emit(events.KindToolCall, rec, "tool", call.Name)
		start := time.Now()
		out := p.tools.Dispatch(toolCtx, call.Name, call.Arguments)
		elapsed := time.Since(start)

		outcome := "ok"
		switch {
		case !out.Recognized:
			outcome = "unrecognized"
		case out.Err != nil:
			outcome = "failed"
		}
		p.metrics.ToolCall(call.Name, outcome, elapsed)
		p.emit(events.KindToolDone, rec, "tool", call.Name, "ok", outcome == "ok", "duration_ms", elapsed.Milliseconds())

		if !out.Recognized {
			continue
		}
		outputs = append(outputs, engine.ToolOutput{CallID: call.ID, Output: out.Text})
	}

	if len(outputs) == 0 {
		p.logger.Warn("no recognized tool calls to answer", "token", rec.Token, "requested", len(run.ToolCalls))
		return nil
	}
	if _, err := p.engine.SubmitToolOutputs(ctx, rec.ThreadID, rec.RunID, outputs); err != nil {
		return err
	}
	p.logger.Debug("tool outputs submitted", "token", rec.Token, "outputs", len(outputs))
	return nil
}

func (p *Poller) fail(ctx context.Context, rec *store.RunRecord, reason string) (*store.RunRecord, error) {
	rec.Status = store.RunFailed
	rec.Error = reason
	if err := p.store.UpdateRun(ctx, rec); err != nil {
		return rec, err
	}
	p.logger.Warn("run failed", "token", rec.Token, "thread_id", rec.ThreadID, "reason", reason)
	p.resolved(rec, events.KindRunFailed, "error", reason)
	return rec, nil
}

func (p *Poller) abandon(ctx context.Context, rec *store.RunRecord, reason string) (*store.RunRecord, error) {
	rec.Status = store.RunAbandoned
	rec.Error = reason
	if err := p.store.UpdateRun(ctx, rec); err != nil {
		return rec, err
	}
	p.logger.Warn("run abandoned", "token", rec.Token, "thread_id", rec.ThreadID, "reason", reason)
	p.resolved(rec, events.KindRunAbandoned, "reason", reason)
	return rec, nil
}

// AbandonThread cancels every scheduled or executing step on threadID
// and abandons its pending runs. It returns the abandoned records.
func (p *Poller) AbandonThread(ctx context.Context, threadID, reason string) ([]store.RunRecord, error) {
	p.sched.CancelGroup(threadID)

	pending, err := p.store.ListPendingRuns(ctx)
	if err != nil {
		return nil, err
	}
	var out []store.RunRecord
	for i := range pending {
		rec := &pending[i]
		if rec.ThreadID != threadID {
			continue
		}
		res, err := p.abandon(ctx, rec, reason)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (p *Poller) resolved(rec *store.RunRecord, kind string, kv ...any) {
	p.metrics.RunResolved(string(rec.Status))
	p.emit(kind, rec, kv...)
	if p.onResolved != nil {
		p.onResolved(*rec)
	}
}

func (p *Poller) emit(kind string, rec *store.RunRecord, kv ...any) {
	if p.bus == nil {
		return
	}
	data := map[string]any{
		"token":     rec.Token,
		"user_id":   rec.UserID,
		"thread_id": rec.ThreadID,
		"run_id":    rec.RunID,
		"status":    string(rec.Status),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			data[k] = kv[i+1]
		}
	}
	p.bus.Emit(events.SourcePoller, kind, data)
}
