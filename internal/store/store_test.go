package store

import (
	"database/sql"
	"errors"
	"slices"
	"testing"

	"github.com/careerdesk/counselor/internal/apperr"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustUserWithThread(t *testing.T, s *Store, userID, threadID string) {
	t.Helper()
	if _, err := s.CreateUser(t.Context(), userID); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.AttachThread(t.Context(), userID, threadID); err != nil {
		t.Fatalf("attach thread: %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	u, err := s.CreateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID != "u1" || len(u.Threads) != 0 {
		t.Errorf("user = %+v", u)
	}

	if _, err := s.CreateUser(ctx, "u1"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate CreateUser err = %v, want ErrConflict", err)
	}
	if _, err := s.CreateUser(ctx, "  "); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("blank CreateUser err = %v, want ErrInvalidInput", err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetUser(nobody) err = %v, want ErrNotFound", err)
	}
}

func TestThreadsKeepOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	if _, err := s.CreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"t3", "t1", "t2"} {
		if _, err := s.AttachThread(ctx, "u1", id); err != nil {
			t.Fatalf("AttachThread(%s): %v", id, err)
		}
	}

	got, err := s.ListUserThreads(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"t3", "t1", "t2"}; !slices.Equal(got, want) {
		t.Errorf("threads = %v, want %v", got, want)
	}

	if _, err := s.AttachThread(ctx, "u1", "t1"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate attach err = %v, want ErrConflict", err)
	}
	if _, err := s.AttachThread(ctx, "ghost", "t9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("attach to missing user err = %v, want ErrNotFound", err)
	}
}

func TestGetThreadOwnership(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")
	if _, err := s.CreateUser(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetThread(ctx, "u1", "t1"); err != nil {
		t.Errorf("owner GetThread: %v", err)
	}
	if _, err := s.GetThread(ctx, "u2", "t1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("non-owner GetThread err = %v, want ErrNotFound", err)
	}
}

func TestExchangeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")

	e := &Exchange{ID: "x1", UserID: "u1", ThreadID: "t1", UserText: "Hi", AssistantText: "Hello"}
	if err := s.CreateExchange(ctx, e); err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	if err := s.AppendThreadHistory(ctx, "t1", "x1"); err != nil {
		t.Fatalf("AppendThreadHistory: %v", err)
	}

	got, err := s.GetExchange(ctx, "x1")
	if err != nil {
		t.Fatalf("GetExchange: %v", err)
	}
	if got.UserText != "Hi" || got.AssistantText != "Hello" || got.ThreadID != "t1" {
		t.Errorf("exchange = %+v", got)
	}

	th, err := s.GetThread(ctx, "u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(th.History, []string{"x1"}) {
		t.Errorf("history = %v, want [x1]", th.History)
	}

	if err := s.CreateExchange(ctx, &Exchange{ID: "x1", UserID: "u1", ThreadID: "t1"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate exchange err = %v, want ErrConflict", err)
	}
	if err := s.AppendThreadHistory(ctx, "missing", "x1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("append to missing thread err = %v, want ErrNotFound", err)
	}
}

func TestDetachThreadKeepsExchanges(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")
	if _, err := s.AttachThread(ctx, "u1", "t2"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateExchange(ctx, &Exchange{ID: "x1", UserID: "u1", ThreadID: "t1", UserText: "a", AssistantText: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DetachThread(ctx, "u1", "t1"); err != nil {
		t.Fatalf("DetachThread: %v", err)
	}
	threads, _ := s.ListUserThreads(ctx, "u1")
	if !slices.Equal(threads, []string{"t2"}) {
		t.Errorf("threads = %v, want [t2]", threads)
	}
	exchanges, err := s.ListUserExchanges(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(exchanges) != 1 || exchanges[0].ID != "x1" {
		t.Errorf("exchanges = %+v, want x1 retained", exchanges)
	}
	if err := s.DetachThread(ctx, "u1", "t1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second detach err = %v, want ErrNotFound", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")
	if _, err := s.AttachThread(ctx, "u1", "t2"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateExchange(ctx, &Exchange{ID: "x1", UserID: "u1", ThreadID: "t1", UserText: "a", AssistantText: "b"}); err != nil {
		t.Fatal(err)
	}

	detached, err := s.DeleteUser(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if !slices.Equal(detached, []string{"t1", "t2"}) {
		t.Errorf("detached = %v", detached)
	}
	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetUser after delete err = %v", err)
	}
	if err := s.AppendThreadHistory(ctx, "t1", "x1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("thread should be gone, got %v", err)
	}
	if _, err := s.GetExchange(ctx, "x1"); err != nil {
		t.Errorf("exchange should survive user deletion: %v", err)
	}
	if _, err := s.DeleteUser(ctx, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second DeleteUser err = %v, want ErrNotFound", err)
	}
}

func TestCompleteRunExactlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")

	r := &RunRecord{UserID: "u1", ThreadID: "t1", RunID: "run_1", UserText: "Hi, my name is Sam"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if r.Token == "" || r.Status != RunPending {
		t.Fatalf("record = %+v", r)
	}

	e, err := s.CompleteRun(ctx, r.Token, "Hi, my name is Sam", "Nice to meet you, Sam")
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if e.ID != r.Token {
		t.Errorf("exchange id = %q, want token %q", e.ID, r.Token)
	}

	_, err = s.CompleteRun(ctx, r.Token, "Hi, my name is Sam", "again")
	if !errors.Is(err, ErrAlreadyResolved) || !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second CompleteRun err = %v, want ErrAlreadyResolved", err)
	}

	got, _ := s.GetRun(ctx, r.Token)
	if got.Status != RunCompleted || got.AssistantText != "Nice to meet you, Sam" {
		t.Errorf("record = %+v", got)
	}
	history, err := s.ThreadHistory(ctx, "u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].UserText != "Hi, my name is Sam" {
		t.Errorf("history = %+v, want exactly one exchange", history)
	}
}

func TestCompleteRunRollsBackWhenThreadGone(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")

	r := &RunRecord{UserID: "u1", ThreadID: "t1", RunID: "run_1"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.DetachThread(ctx, "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompleteRun(ctx, r.Token, "q", "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("CompleteRun err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetExchange(ctx, r.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("exchange should have been rolled back, got %v", err)
	}
	got, _ := s.GetRun(ctx, r.Token)
	if got.Status != RunPending {
		t.Errorf("status = %q, want pending after rollback", got.Status)
	}
}

func TestUpdateRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	mustUserWithThread(t, s, "u1", "t1")

	r := &RunRecord{UserID: "u1", ThreadID: "t1", RunID: "run_1"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.Attempts = 3
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	pending, err := s.ListPendingRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Attempts != 3 {
		t.Errorf("pending = %+v", pending)
	}

	r.Status, r.Error = RunFailed, "server_error: boom"
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun to failed: %v", err)
	}
	if pending, _ := s.ListPendingRuns(ctx); len(pending) != 0 {
		t.Errorf("pending after failure = %d, want 0", len(pending))
	}

	r.Status = RunAbandoned
	if err := s.UpdateRun(ctx, r); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("update of resolved run err = %v, want ErrAlreadyResolved", err)
	}
	if err := s.UpdateRun(ctx, &RunRecord{Token: "nope"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("update of missing run err = %v, want ErrNotFound", err)
	}
}
