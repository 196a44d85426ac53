// Package events is the in-process publish/subscribe bus that carries
// run lifecycle notifications from the orchestrator and poller to push
// channels (WebSocket clients, MQTT). Publishing on a nil *Bus is a
// no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceOrchestrator = "orchestrator"
	SourcePoller       = "poller"
)

// Kinds. Every run event carries token, user_id, thread_id and run_id
// in Data.
const (
	// KindRunSubmitted: a prompt was accepted and a run started.
	KindRunSubmitted = "run_submitted"
	// KindRunPolled: a poll step observed the engine status.
	// Data adds: engine_status, attempt.
	KindRunPolled = "run_polled"
	// KindToolCall: a tool call is being dispatched. Data adds: tool.
	KindToolCall = "tool_call"
	// KindToolDone: a tool call finished. Data adds: tool, ok,
	// duration_ms.
	KindToolDone = "tool_done"
	// KindRunCompleted: the exchange was persisted. Data adds:
	// usercontent, aicontent.
	KindRunCompleted = "run_completed"
	// KindRunFailed: the engine failed the run. Data adds: error.
	KindRunFailed = "run_failed"
	// KindRunUnpersisted: the engine completed but storage failed.
	// Data adds: aicontent, error.
	KindRunUnpersisted = "run_unpersisted"
	// KindRunAbandoned: polling gave up. Data adds: reason.
	KindRunAbandoned = "run_abandoned"
	// KindThreadDeleted: a thread was detached. Data: user_id,
	// thread_id, reason, abandoned.
	KindThreadDeleted = "thread_deleted"
)

// Event is one notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Str returns Data[key] as a string, or "".
func (e Event) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Filter selects the events a subscriber receives. A nil Filter
// accepts everything.
type Filter func(Event) bool

// ForUser accepts events about userID only.
func ForUser(userID string) Filter {
	return func(e Event) bool { return e.Str("user_id") == userID }
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

type subscription struct {
	ch     chan Event
	filter Filter
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every matching subscriber, stamping the time
// when unset.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of matching events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, filter Filter) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscription{ch: ch, filter: filter}
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
