// Package events fans engine transitions out to collaborators and keeps the
// append-only decision audit trail.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a state transition observable by collaborators.
type EventType string

const (
	EventRequestCreated       EventType = "request_created"
	EventStepDecided          EventType = "step_decided"
	EventRequestStatusChanged EventType = "request_status_changed"
	EventCommentAdded         EventType = "comment_added"
)

// AllEventTypes lists every type the engine emits.
var AllEventTypes = []EventType{
	EventRequestCreated,
	EventStepDecided,
	EventRequestStatusChanged,
	EventCommentAdded,
}

type Event struct {
	Type       EventType
	Timestamp  time.Time
	RequestID  string
	Actor      string
	Status     string // request status after the transition
	StepNumber int    // -1 when the event is not about a step
	StepStatus string
	CommentID  string
	// Recipients are the identities a notifier should address, e.g. the next approvers.
	Recipients []string
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

type subscription struct {
	name  string
	types []EventType // empty means every type
	ch    chan Event
	fn    Subscriber
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus delivers each published event to the matching subscriptions through a
// per-subscription buffer. A full buffer drops the event for that subscription
// alone; Publish never blocks.
type Bus struct {
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{buffer: buffer, logger: logger}
}

// Subscribe runs fn for every published event whose type is in types, or for
// every event when types is empty. name identifies the subscriber in logs.
// The returned function detaches it and may be called more than once.
func (b *Bus) Subscribe(name string, fn Subscriber, types ...EventType) func() {
	sub := &subscription{name: name, types: types, ch: make(chan Event, b.buffer), fn: fn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if i := slices.Index(b.subs, sub); i >= 0 {
				b.subs = slices.Delete(b.subs, i, i+1)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for e := range sub.ch {
		b.invoke(sub, e)
	}
}

func (b *Bus) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscriber", sub.name, "event", e.Type, "request_id", e.RequestID, "panic", r)
		}
	}()
	sub.fn(e)
}

// Publish stamps e when it has no timestamp and hands it to every matching
// subscription.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped", "subscriber", sub.name, "event", e.Type, "request_id", e.RequestID)
		}
	}
}

// Dropped counts events discarded because a subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches every subscription and waits for queued events to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
}
