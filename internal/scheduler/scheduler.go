// Package scheduler runs deferred work on timers. Every task has a key
// (at most one pending timer per key) and a group, so that all work
// belonging to one conversation thread can be cancelled together.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is called when a task fires. ctx is cancelled when the task's
// group is cancelled, when the scheduler stops, or after the step
// timeout.
type Func func(ctx context.Context)

// Scheduler manages deferred tasks.
type Scheduler struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*entry // key -> waiting task
	active  map[string]*entry // key -> executing task
	running bool
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	group  string
	timer  *time.Timer
	cancel context.CancelFunc
}

// New creates a running scheduler. timeout bounds each task execution;
// zero means no bound.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		timeout: timeout,
		timers:  make(map[string]*entry),
		active:  make(map[string]*entry),
		running: true,
		ctx:     ctx,
		stop:    stop,
	}
}

// Schedule runs fn after delay under key, replacing any task still
// waiting under the same key. It reports false if the scheduler has
// stopped.
func (s *Scheduler) Schedule(key, group string, delay time.Duration, fn Func) bool {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("schedule after stop ignored", "key", key)
		return false
	}

	if old, exists := s.timers[key]; exists && old.timer.Stop() {
		s.wg.Done()
	}

	e := &entry{group: group}
	s.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() {
		s.fire(key, e, fn)
	})
	s.timers[key] = e

	s.logger.Debug("task scheduled", "key", key, "group", group, "delay", delay)
	return true
}

// fire runs when a task's timer expires.
func (s *Scheduler) fire(key string, e *entry, fn Func) {
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running || s.timers[key] != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)

	var ctx context.Context
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	e.cancel = cancel
	s.active[key] = e
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.active[key] == e {
			delete(s.active, key)
		}
		s.mu.Unlock()
	}()

	fn(ctx)
}

// Cancel stops the task under key, whether waiting or executing. It
// reports whether anything was cancelled.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

// CancelGroup cancels every task in group and returns how many were
// affected.
func (s *Scheduler) CancelGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k, e := range s.timers {
		if e.group == group {
			keys = append(keys, k)
		}
	}
	for k, e := range s.active {
		if e.group == group {
			keys = append(keys, k)
		}
	}

	n := 0
	for _, k := range keys {
		if s.cancelLocked(k) {
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("group cancelled", "group", group, "tasks", n)
	}
	return n
}

func (s *Scheduler) cancelLocked(key string) bool {
	cancelled := false
	if e, ok := s.timers[key]; ok {
		if e.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
		cancelled = true
	}
	if e, ok := s.active[key]; ok {
		e.cancel()
		delete(s.active, key)
		cancelled = true
	}
	return cancelled
}

// Pending reports how many tasks are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all tasks and waits for executing ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for key, e := range s.timers {
		if e.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
