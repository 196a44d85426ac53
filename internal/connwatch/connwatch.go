// Package connwatch tracks the reachability of the upstream services a
// counselor depends on: the assistant engine and the jobs board.
//
// Each watcher probes its service with exponential backoff until the
// first success, then settles into a fixed polling interval. Runs keep
// being accepted while a service is down; the status only feeds /health
// and the logs.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing. Zero fields take the defaults from
// [DefaultSchedule].
type Schedule struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// DefaultSchedule backs off 2s, 4s, 8s ... up to a minute, then polls
// once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Interval:     time.Minute,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is one service's health as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

func (w *watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.schedule.Timeout)
	defer cancel()
	err := w.probe(pctx)

	w.mu.Lock()
	was := w.status.Ready
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	switch {
	case was && err != nil:
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
	case !was && err == nil:
		w.logger.Info("service reachable", "service", w.name)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
	return err
}

func (w *watcher) run(ctx context.Context) {
	delay := w.schedule.InitialDelay
	for w.check(ctx) != nil {
		if !sleep(ctx, delay) {
			return
		}
		delay *= 2
		if delay > w.schedule.MaxDelay {
			delay = w.schedule.MaxDelay
		}
	}

	ticker := time.NewTicker(w.schedule.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a service in the background until ctx ends.
// It panics on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, s Schedule) {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	w := &watcher{
		name:     name,
		probe:    probe,
		schedule: s.withDefaults(),
		logger:   m.logger,
		status:   Status{Name: name},
	}

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
}

// Status returns every service's status, ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is reachable.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until every watcher has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
