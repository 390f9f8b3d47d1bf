// Package bus provides the async event channel that decouples coordination components.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	EventAgentRegistered          = "agent_registered"
	EventAgentStatusUpdated       = "agent_status_updated"
	EventAgentCapabilitiesUpdated = "agent_capabilities_updated"

	EventTaskCreated         = "task_created"
	EventTaskStatusUpdated   = "task_status_updated"
	EventTaskDirective       = "task_directive"
	EventTaskCancelRequested = "task_cancel_requested"
	EventTaskResultRecorded  = "task_result_recorded"

	EventConflictDetected   = "conflict_detected"
	EventConflictResolved   = "conflict_resolved"
	EventConflictUnresolved = "conflict_unresolved"

	EventKnowledgePublished = "knowledge_published"
	EventKnowledgeUpdated   = "knowledge_updated"

	EventDecisionMade     = "decision_made"
	EventDecisionTracked  = "decision_tracked"
	EventFeedbackRecorded = "feedback_recorded"
	EventWeightsUpdated   = "weights_updated"

	EventEscalationCreated  = "escalation_created"
	EventEscalationResolved = "escalation_resolved"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Event is the envelope carried on the bus and mirrored to external transports.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	EntityID  string         `json:"entity_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one event. Handlers must be idempotent: delivery is at-least-once.
type Handler func(Event)

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(ev Event) error
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, entityID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type subscription struct {
	id      string
	types   map[string]bool
	handler Handler

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	stop   chan struct{}
}

func (s *subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Bus is an in-process publish/subscribe channel. Publish never blocks on
// subscriber processing: each subscriber owns an unbounded mailbox drained by
// its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe registers handler for the given event types (all types when none
// are given) and returns the subscription id.
func (b *Bus) Subscribe(handler Handler, types ...string) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	go b.run(sub)
	return sub.id
}

// Unsubscribe stops a subscription after it drains events already queued.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// Publish enqueues ev for every matching subscriber and returns immediately.
func (b *Bus) Publish(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			sub.enqueue(ev)
		}
	}
	return nil
}

// Pending returns the number of queued, undelivered events across subscribers.
func (b *Bus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		n += sub.pending()
	}
	return n
}

// Close stops accepting events, lets every subscriber drain what was already
// enqueued, and waits for the subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.stop)
	}
	b.wg.Wait()
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.signal:
			b.deliver(sub, sub.drain())
		case <-sub.stop:
			b.deliver(sub, sub.drain())
			return
		}
	}
}

func (b *Bus) deliver(sub *subscription, events []Event) {
	for _, ev := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Bus handler panicked", "subscription", sub.id, "event_type", ev.Type, "panic", r)
				}
			}()
			sub.handler(ev)
		}()
	}
}
