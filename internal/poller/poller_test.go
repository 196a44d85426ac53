package poller

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/engine/enginetest"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/jobs"
	"github.com/careerdesk/counselor/internal/scheduler"
	"github.com/careerdesk/counselor/internal/store"
	"github.com/careerdesk/counselor/internal/tools"

	_ "modernc.org/sqlite"
)

type fakeSource struct {
	postings []jobs.Posting
	err      error
}

func (f *fakeSource) Fetch(ctx context.Context) ([]jobs.Posting, error) {
	return f.postings, f.err
}

type harness struct {
	eng      *enginetest.Fake
	st       *store.Store
	src      *fakeSource
	sched    *scheduler.Scheduler
	bus      *events.Bus
	p        *Poller
	threadID string

	mu       sync.Mutex
	resolved []store.RunRecord
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, nil)
}

func newHarnessWithStore(t *testing.T, cfg Config, wrap func(*store.Store) Store) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		eng:   enginetest.New(),
		st:    st,
		src:   &fakeSource{},
		sched: scheduler.New(nil, time.Minute),
		bus:   events.New(),
	}
	t.Cleanup(h.sched.Stop)
	h.eng.Reply = "Nice to meet you, Sam! What are you passionate about?"

	var ps Store = st
	if wrap != nil {
		ps = wrap(st)
	}
	h.p = New(cfg, h.eng, ps, tools.NewRegistry(h.src, nil), h.sched, nil,
		WithEvents(h.bus),
		OnResolved(func(r store.RunRecord) {
			h.mu.Lock()
			h.resolved = append(h.resolved, r)
			h.mu.Unlock()
		}),
	)

	ctx := t.Context()
	if _, err := st.CreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	h.threadID, err = h.eng.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.AttachThread(ctx, "u1", h.threadID); err != nil {
		t.Fatal(err)
	}
	return h
}

// submit posts prompt and starts a run scripted with steps.
func (h *harness) submit(t *testing.T, prompt string, steps ...engine.Run) store.RunRecord {
	t.Helper()
	ctx := t.Context()
	h.eng.Script(steps...)
	if _, err := h.eng.PostMessage(ctx, h.threadID, prompt); err != nil {
		t.Fatal(err)
	}
	run, err := h.eng.StartRun(ctx, h.threadID, engine.Assistant{ID: "asst_test"})
	if err != nil {
		t.Fatal(err)
	}
	rec := store.RunRecord{UserID: "u1", ThreadID: h.threadID, RunID: run.ID, UserText: prompt}
	if err := h.st.CreateRun(ctx, &rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) resolvedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resolved)
}

func defaultConfig() Config {
	return Config{Delay: 5 * time.Millisecond, MaxAttempts: 5}
}

func TestStep_CompletedPersistsExchange(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "Hi, my name is Sam")

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %q, want completed (error %q)", got.Status, got.Error)
	}

	e, err := h.st.GetExchange(t.Context(), rec.Token)
	if err != nil {
		t.Fatalf("exchange not persisted: %v", err)
	}
	if e.UserText != "Hi, my name is Sam" {
		t.Errorf("user text = %q", e.UserText)
	}
	if e.AssistantText != h.eng.Reply {
		t.Errorf("assistant text = %q", e.AssistantText)
	}
	th, _ := h.st.GetThread(t.Context(), "u1", h.threadID)
	if len(th.History) != 1 || th.History[0] != rec.Token {
		t.Errorf("history = %v, want [%s]", th.History, rec.Token)
	}
	if h.resolvedCount() != 1 {
		t.Errorf("resolved callbacks = %d, want 1", h.resolvedCount())
	}
}

func TestStep_SecondResolutionConflicts(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "Hi, my name is Sam")

	if _, err := h.p.Step(t.Context(), rec.Token); err != nil {
		t.Fatal(err)
	}
	got, err := h.p.Step(t.Context(), rec.Token)
	if !errors.Is(err, store.ErrAlreadyResolved) || !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second Step err = %v, want ErrAlreadyResolved", err)
	}
	if got == nil || got.Status != store.RunCompleted {
		t.Errorf("second Step record = %+v", got)
	}

	exchanges, _ := h.st.ListUserExchanges(t.Context(), "u1")
	if len(exchanges) != 1 {
		t.Errorf("exchanges = %d, want exactly 1", len(exchanges))
	}
}

func TestStep_PendingPersistsNothing(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello",
		engine.Run{Status: engine.StatusQueued},
		engine.Run{Status: engine.StatusInProgress},
	)

	for i, want := range []int{1, 2} {
		got, err := h.p.Step(t.Context(), rec.Token)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Status != store.RunPending || got.Attempts != want {
			t.Errorf("step %d record = %+v", i, got)
		}
	}
	if _, err := h.st.GetExchange(t.Context(), rec.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("no exchange expected while pending, got %v", err)
	}

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil || got.Status != store.RunCompleted {
		t.Fatalf("third step = %+v, %v", got, err)
	}
}

func TestStep_RequiresActionAnswersRecognizedCalls(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.src.postings = make([]jobs.Posting, 5)
	for i := range h.src.postings {
		h.src.postings[i] = jobs.Posting{Position: "Software Engineer", Company: "Acme", Location: "India"}
	}

	rec := h.submit(t, "Find me some jobs", engine.Run{
		Status: engine.StatusRequiresAction,
		ToolCalls: []engine.ToolCall{
			{ID: "c1", Name: "getLinkedInJobs", Arguments: "{}"},
			{ID: "c2", Name: "getWeather", Arguments: `{"city":"Pune"}`},
		},
	})

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got.Status != store.RunPending {
		t.Errorf("status after tool step = %q, want pending", got.Status)
	}

	batches := h.eng.Submitted()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].CallID != "c1" {
		t.Fatalf("batch = %+v, want exactly one entry for c1", batches[0])
	}
	var postings []jobs.Posting
	if err := json.Unmarshal([]byte(batches[0][0].Output), &postings); err != nil {
		t.Fatalf("output is not a posting list: %v", err)
	}
	if len(postings) != 5 {
		t.Errorf("postings = %d, want 5", len(postings))
	}

	got, err = h.p.Step(t.Context(), rec.Token)
	if err != nil || got.Status != store.RunCompleted {
		t.Fatalf("follow-up step = %+v, %v", got, err)
	}
}

func TestStep_AdapterFailureSubmitsEmptyOutput(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.src.err = apperr.E(apperr.ErrUpstream, "linkedin unavailable")

	rec := h.submit(t, "jobs please", engine.Run{
		Status:    engine.StatusRequiresAction,
		ToolCalls: []engine.ToolCall{{ID: "c1", Name: "getLinkedInJobs", Arguments: "{}"}},
	})

	if _, err := h.p.Step(t.Context(), rec.Token); err != nil {
		t.Fatalf("Step: %v", err)
	}
	batches := h.eng.Submitted()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %+v, want one batch with one entry", batches)
	}
	if out := batches[0][0]; out.CallID != "c1" || out.Output != "" {
		t.Errorf("entry = %+v, want empty output for c1", out)
	}
}

func TestStep_OnlyUnrecognizedCallsSubmitsNothing(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "weather?", engine.Run{
		Status:    engine.StatusRequiresAction,
		ToolCalls: []engine.ToolCall{{ID: "c1", Name: "getWeather"}},
	})

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if n := h.eng.CallCount("SubmitToolOutputs"); n != 0 {
		t.Errorf("SubmitToolOutputs called %d times, want 0", n)
	}
}

func TestStep_EngineFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello", engine.Run{Status: engine.StatusFailed, LastError: "server_error: boom"})

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "server_error: boom") {
		t.Errorf("error = %q, want engine reason", got.Error)
	}
}

func TestStep_MissingMessagePairFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello")
	h.eng.SetMessages(h.threadID)

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if _, err := h.st.GetExchange(t.Context(), rec.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("no exchange expected, got %v", err)
	}
}

func TestStep_InterimAssistantMessageIsUnpersisted(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "Find me jobs")
	h.eng.SetMessages(h.threadID,
		engine.Message{ID: "msg_u", Role: engine.RoleUser, Text: "Find me jobs"},
		engine.Message{ID: "msg_i", Role: engine.RoleAssistant, Text: "Let me look that up."},
	)

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunUnpersisted {
		t.Fatalf("status = %q, want unpersisted (error %q)", got.Status, got.Error)
	}
	if got.AssistantText != h.eng.Reply {
		t.Errorf("assistant text = %q, want the engine reply", got.AssistantText)
	}
	if _, err := h.st.GetExchange(t.Context(), rec.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("no exchange expected, got %v", err)
	}
	stored, _ := h.st.GetRun(t.Context(), rec.Token)
	if stored.Status != store.RunUnpersisted || stored.AssistantText != h.eng.Reply {
		t.Errorf("stored record = %+v", stored)
	}
	if h.resolvedCount() != 1 {
		t.Errorf("resolved callbacks = %d, want 1", h.resolvedCount())
	}
}

// stallingEngine never answers GetRun before the caller gives up.
type stallingEngine struct {
	*enginetest.Fake
}

func (e stallingEngine) GetRun(ctx context.Context, threadID, runID string) (engine.Run, error) {
	<-ctx.Done()
	return engine.Run{}, ctx.Err()
}

func TestSchedule_StepTimeoutCountsAsAttempt(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello")

	sched := scheduler.New(nil, 30*time.Millisecond)
	t.Cleanup(sched.Stop)
	resolved := make(chan store.RunRecord, 1)
	p := New(Config{Delay: time.Millisecond, MaxAttempts: 2}, stallingEngine{h.eng}, h.st,
		tools.NewRegistry(h.src, nil), sched, nil,
		OnResolved(func(r store.RunRecord) { resolved <- r }),
	)

	p.Schedule(rec)
	select {
	case r := <-resolved:
		if r.Status != store.RunAbandoned {
			t.Errorf("resolved status = %q, want abandoned", r.Status)
		}
	case <-time.After(5 * time.Second):
		stored, _ := h.st.GetRun(t.Context(), rec.Token)
		t.Fatalf("run never resolved: %+v", stored)
	}

	stored, err := h.st.GetRun(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.RunAbandoned || stored.Attempts != 2 {
		t.Errorf("stored = status %q attempts %d, want abandoned after 2", stored.Status, stored.Attempts)
	}
	if !strings.Contains(stored.Error, "timed out") {
		t.Errorf("error = %q, want timeout reason", stored.Error)
	}
	if n := sched.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestStep_AttemptBudgetAbandons(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Millisecond, MaxAttempts: 2})
	rec := h.submit(t, "hello",
		engine.Run{Status: engine.StatusQueued},
		engine.Run{Status: engine.StatusQueued},
	)

	if got, _ := h.p.Step(t.Context(), rec.Token); got.Status != store.RunPending {
		t.Fatalf("first step status = %q", got.Status)
	}
	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunAbandoned {
		t.Errorf("status = %q, want abandoned", got.Status)
	}
}

func TestStep_EngineErrorStaysPending(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello")
	h.eng.FailOn("GetRun", apperr.E(apperr.ErrUpstream, "connection reset"))

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunPending || !strings.Contains(got.Error, "connection reset") {
		t.Errorf("record = %+v", got)
	}

	h.eng.FailOn("GetRun", nil)
	got, err = h.p.Step(t.Context(), rec.Token)
	if err != nil || got.Status != store.RunCompleted {
		t.Fatalf("recovered step = %+v, %v", got, err)
	}
}

func TestStep_DeletedThreadAbandonsWithoutPolling(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "hello")
	if err := h.st.DetachThread(t.Context(), "u1", h.threadID); err != nil {
		t.Fatal(err)
	}

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunAbandoned {
		t.Errorf("status = %q, want abandoned", got.Status)
	}
	if n := h.eng.CallCount("GetRun"); n != 0 {
		t.Errorf("GetRun called %d times, want 0", n)
	}
}

type brokenCompletionStore struct {
	*store.Store
}

func (s brokenCompletionStore) CompleteRun(ctx context.Context, token, userText, assistantText string) (*store.Exchange, error) {
	return nil, errors.New("disk I/O error")
}

func TestStep_PersistenceFailureIsUnpersisted(t *testing.T) {
	h := newHarnessWithStore(t, defaultConfig(), func(s *store.Store) Store {
		return brokenCompletionStore{s}
	})
	rec := h.submit(t, "Hi, my name is Sam")

	got, err := h.p.Step(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunUnpersisted {
		t.Fatalf("status = %q, want unpersisted", got.Status)
	}
	if got.AssistantText != h.eng.Reply {
		t.Errorf("assistant text = %q, want the engine reply", got.AssistantText)
	}
	stored, _ := h.st.GetRun(t.Context(), rec.Token)
	if stored.Status != store.RunUnpersisted {
		t.Errorf("stored status = %q", stored.Status)
	}
}

func TestStep_ConcurrentStepsPersistOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	rec := h.submit(t, "Hi, my name is Sam")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.p.Step(context.Background(), rec.Token)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	exchanges, _ := h.st.ListUserExchanges(t.Context(), "u1")
	if len(exchanges) != 1 {
		t.Errorf("exchanges = %d, want exactly 1", len(exchanges))
	}
	if h.resolvedCount() != 1 {
		t.Errorf("resolved callbacks = %d, want 1", h.resolvedCount())
	}
}

func TestSchedule_DrivesRunToCompletion(t *testing.T) {
	h := newHarness(t, defaultConfig())
	sub := h.bus.Subscribe(32, events.ForUser("u1"))
	defer h.bus.Unsubscribe(sub)

	rec := h.submit(t, "Hi, my name is Sam",
		engine.Run{Status: engine.StatusQueued},
		engine.Run{Status: engine.StatusInProgress},
	)
	if !h.p.Schedule(rec) {
		t.Fatal("Schedule returned false")
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Kind != events.KindRunCompleted {
				continue
			}
			if e.Str("token") != rec.Token || e.Str("aicontent") != h.eng.Reply {
				t.Errorf("completion event = %+v", e)
			}
			if n := h.eng.CallCount("GetRun"); n != 3 {
				t.Errorf("GetRun calls = %d, want 3", n)
			}
			return
		case <-timeout:
			t.Fatal("run did not complete")
		}
	}
}

func TestAbandonThread(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxAttempts: 5})
	rec := h.submit(t, "hello")
	h.p.Schedule(rec)

	abandoned, err := h.p.AbandonThread(t.Context(), h.threadID, "thread deleted")
	if err != nil {
		t.Fatal(err)
	}
	if len(abandoned) != 1 || abandoned[0].Token != rec.Token {
		t.Fatalf("abandoned = %+v", abandoned)
	}
	if h.sched.Pending() != 0 {
		t.Errorf("scheduler still has %d pending tasks", h.sched.Pending())
	}
	got, _ := h.st.GetRun(t.Context(), rec.Token)
	if got.Status != store.RunAbandoned || got.Error != "thread deleted" {
		t.Errorf("record = %+v", got)
	}
}

type usageLog struct {
	mu      sync.Mutex
	entries []engine.Usage
	models  []string
}

func (u *usageLog) RecordUsage(ctx context.Context, rec store.RunRecord, model string, usage engine.Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, usage)
	u.models = append(u.models, model)
}

func TestStep_RecordsUsageOfTerminalRuns(t *testing.T) {
	h := newHarness(t, defaultConfig())
	log := &usageLog{}
	h.p.usage = log
	h.eng.Usage = &engine.Usage{PromptTokens: 120, CompletionTokens: 30}

	rec := h.submit(t, "Hi, my name is Sam", engine.Run{Status: engine.StatusInProgress}, engine.Run{Status: engine.StatusCompleted})
	if _, err := h.p.Step(t.Context(), rec.Token); err != nil {
		t.Fatal(err)
	}
	if len(log.entries) != 0 {
		t.Fatalf("usage recorded for an unfinished run: %+v", log.entries)
	}
	if _, err := h.p.Step(t.Context(), rec.Token); err != nil {
		t.Fatal(err)
	}
	if len(log.entries) != 1 || log.entries[0].PromptTokens != 120 || log.models[0] != "fake-model" {
		t.Errorf("usage = %+v models %v", log.entries, log.models)
	}

	failed := h.submit(t, "again", engine.Run{Status: engine.StatusFailed, LastError: "server_error: boom"})
	if _, err := h.p.Step(t.Context(), failed.Token); err != nil {
		t.Fatal(err)
	}
	if len(log.entries) != 2 {
		t.Errorf("failed run usage not recorded: %d entries", len(log.entries))
	}
}
