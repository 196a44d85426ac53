package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var fast = Schedule{
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Interval:     5 * time.Millisecond,
	Timeout:      time.Second,
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWatch_RetriesUntilReachable(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	m := NewManager(nil)
	defer func() { cancel(); m.Wait() }()

	var calls atomic.Int32
	m.Watch(ctx, "engine", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fast)

	waitFor(t, m.Healthy)
	st := m.Status()
	if len(st) != 1 || st[0].Name != "engine" || st[0].LastError != "" || st[0].LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if calls.Load() < 3 {
		t.Errorf("probe calls = %d, want at least 3", calls.Load())
	}
}

func TestWatch_DetectsOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	m := NewManager(nil)
	defer func() { cancel(); m.Wait() }()

	var down atomic.Bool
	m.Watch(ctx, "linkedin", func(context.Context) error {
		if down.Load() {
			return errors.New("503")
		}
		return nil
	}, fast)
	m.Watch(ctx, "engine", func(context.Context) error { return nil }, fast)

	waitFor(t, m.Healthy)
	down.Store(true)
	waitFor(t, func() bool { return !m.Healthy() })

	st := m.Status()
	if st[0].Name != "engine" || !st[0].Ready {
		t.Errorf("engine status = %+v", st[0])
	}
	if st[1].Name != "linkedin" || st[1].Ready || st[1].LastError != "503" {
		t.Errorf("linkedin status = %+v", st[1])
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	m := NewManager(nil)
	m.Watch(ctx, "engine", func(context.Context) error { return errors.New("down") }, fast)
	cancel()

	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit")
	}
}

func TestWatch_PanicsWithoutProbe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewManager(nil).Watch(t.Context(), "engine", nil, Schedule{})
}
