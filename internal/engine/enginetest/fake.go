// Package enginetest provides an in-memory [engine.Client] for tests.
package enginetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/engine"
)

// Fake is a scripted engine. Threads and runs get sequential IDs
// (thread_1, run_1, ...). Without a script a run completes on its
// first GetRun, appending Reply as the assistant message.
type Fake struct {
	// Reply is the assistant text appended when a run completes.
	Reply string
	// Usage is reported on every terminal run when set.
	Usage *engine.Usage

	mu        sync.Mutex
	seq       int
	threads   map[string][]engine.Message // oldest first
	runs      map[string]*fakeRun
	script    []engine.Run
	errs      map[string]error
	calls     []string
	submitted [][]engine.ToolOutput
}

type fakeRun struct {
	run   engine.Run
	steps []engine.Run
	done  bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Reply:   "Tell me more about yourself.",
		threads: make(map[string][]engine.Message),
		runs:    make(map[string]*fakeRun),
		errs:    make(map[string]error),
	}
}

// Script sets the GetRun results for the next started run. Only the
// Status, ToolCalls and LastError fields of each step are used.
func (f *Fake) Script(steps ...engine.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = steps
}

// FailOn makes every call to method (e.g. "GetRun") return err. A nil
// err clears it.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// SetMessages replaces a thread's history (oldest first).
func (f *Fake) SetMessages(threadID string, msgs ...engine.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadID] = msgs
}

// Calls returns the method names called so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount reports how many times method was called.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Submitted returns every tool-output batch received.
func (f *Fake) Submitted() [][]engine.ToolOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.submitted)
}

func (f *Fake) enter(method string) error {
	f.calls = append(f.calls, method)
	return f.errs[method]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateAssistant(ctx context.Context, a engine.Assistant) (engine.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateAssistant"); err != nil {
		return engine.Assistant{}, err
	}
	a.ID = f.nextID("asst")
	return a, nil
}

func (f *Fake) RetrieveAssistant(ctx context.Context, id string) (engine.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RetrieveAssistant"); err != nil {
		return engine.Assistant{}, err
	}
	return engine.Assistant{ID: id, Name: "retrieved"}, nil
}

func (f *Fake) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateThread"); err != nil {
		return "", err
	}
	id := f.nextID("thread")
	f.threads[id] = nil
	return id, nil
}

func (f *Fake) PostMessage(ctx context.Context, threadID, text string) (engine.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PostMessage"); err != nil {
		return engine.Message{}, err
	}
	msgs, ok := f.threads[threadID]
	if !ok {
		return engine.Message{}, apperr.E(apperr.ErrUpstream, "no thread %s", threadID)
	}
	m := engine.Message{
		ID:        f.nextID("msg"),
		Role:      engine.RoleUser,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	f.threads[threadID] = append(msgs, m)
	return m, nil
}

func (f *Fake) StartRun(ctx context.Context, threadID string, a engine.Assistant) (engine.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("StartRun"); err != nil {
		return engine.Run{}, err
	}
	if _, ok := f.threads[threadID]; !ok {
		return engine.Run{}, apperr.E(apperr.ErrUpstream, "no thread %s", threadID)
	}
	r := &fakeRun{
		run:   engine.Run{ID: f.nextID("run"), ThreadID: threadID, Status: engine.StatusQueued},
		steps: f.script,
	}
	f.script = nil
	f.runs[r.run.ID] = r
	return r.run, nil
}

func (f *Fake) GetRun(ctx context.Context, threadID, runID string) (engine.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRun"); err != nil {
		return engine.Run{}, err
	}
	r, ok := f.runs[runID]
	if !ok || r.run.ThreadID != threadID {
		return engine.Run{}, apperr.E(apperr.ErrUpstream, "no run %s on %s", runID, threadID)
	}
	if r.done {
		return r.run, nil
	}

	next := engine.Run{Status: engine.StatusCompleted}
	if len(r.steps) > 0 {
		next, r.steps = r.steps[0], r.steps[1:]
	}
	r.run.Status = next.Status
	r.run.ToolCalls = next.ToolCalls
	r.run.LastError = next.LastError
	if next.Status == engine.StatusCompleted {
		r.done = true
		f.threads[threadID] = append(f.threads[threadID], engine.Message{
			ID:        f.nextID("msg"),
			Role:      engine.RoleAssistant,
			Text:      f.Reply,
			CreatedAt: time.Now().UTC(),
		})
	}
	if next.Status.Terminal() {
		r.done = true
		r.run.Model = "fake-model"
		r.run.Usage = f.Usage
	}
	return r.run, nil
}

func (f *Fake) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []engine.ToolOutput) (engine.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SubmitToolOutputs"); err != nil {
		return engine.Run{}, err
	}
	r, ok := f.runs[runID]
	if !ok {
		return engine.Run{}, apperr.E(apperr.ErrUpstream, "no run %s", runID)
	}
	f.submitted = append(f.submitted, slices.Clone(outputs))
	r.run.Status = engine.StatusQueued
	r.run.ToolCalls = nil
	return r.run, nil
}

func (f *Fake) ListMessages(ctx context.Context, threadID string) ([]engine.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListMessages"); err != nil {
		return nil, err
	}
	msgs, ok := f.threads[threadID]
	if !ok {
		return nil, apperr.E(apperr.ErrUpstream, "no thread %s", threadID)
	}
	out := slices.Clone(msgs)
	slices.Reverse(out)
	return out, nil
}

var _ engine.Client = (*Fake)(nil)
