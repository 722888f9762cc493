// Package events provides bounded, multi-subscriber fan-out of typed
// session events for the agent execution core.
package events

import (
	"sync"
	"time"
)

// Type is the closed set of event kinds the core ever publishes.
type Type string

const (
	TypeStateChange       Type = "state_change"
	TypePlanCreated       Type = "plan_created"
	TypeStepStarted       Type = "step_started"
	TypeStepCompleted     Type = "step_completed"
	TypeToolCalled        Type = "tool_called"
	TypeToolResult        Type = "tool_result"
	TypeMessage           Type = "message"
	TypeError             Type = "error"
	TypeBudgetWarning     Type = "budget_warning"
	TypeBudgetExceeded    Type = "budget_exceeded"
	TypeIterationLimit    Type = "iteration_limit"
	TypeApprovalRequested Type = "approval_requested"
	TypeApprovalResolved  Type = "approval_resolved"
	TypeCompleted         Type = "completed"
	TypeCancelled         Type = "cancelled"
	TypeModelSelected     Type = "model_selected"
	TypeModelSwitched     Type = "model_switched"
	TypeTraceStarted      Type = "trace_started"
	TypeTraceEnded        Type = "trace_ended"
)

// Event is the single unit published and stored for a session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBufferSize is the per-subscription bounded buffer capacity.
const DefaultBufferSize = 100

// Emitter is a process-wide, multi-subscriber event bus. The zero value is
// not usable; construct with NewEmitter.
type Emitter struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	next uint64
}

// NewEmitter constructs an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[*Subscription]struct{})}
}

// Publish fans an event out to every live subscription without blocking on
// any of them. A subscriber whose buffer is full loses its oldest
// undelivered event; the publisher never blocks and other subscribers are
// never affected by one slow reader.
func (e *Emitter) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}
}

// Subscribe opens a new bounded subscription. Callers must Close it when
// done; Close is idempotent and safe to call more than once.
func (e *Emitter) Subscribe() *Subscription {
	return e.SubscribeWithCapacity(DefaultBufferSize)
}

// SubscribeWithCapacity opens a subscription with a non-default buffer size.
func (e *Emitter) SubscribeWithCapacity(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}

	e.mu.Lock()
	e.next++
	id := e.next
	e.mu.Unlock()

	s := &Subscription{
		id:       id,
		emitter:  e,
		capacity: capacity,
		buf:      make([]Event, 0, capacity),
		notify:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.subs[s] = struct{}{}
	e.mu.Unlock()

	return s
}

// SubscriberCount returns the number of live subscriptions, for diagnostics.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Subscription is one subscriber's bounded view of the event stream.
// Events are delivered in publication order; when the buffer is full the
// oldest undelivered event is dropped to make room for the newest one.
type Subscription struct {
	id       uint64
	emitter  *Emitter
	capacity int

	mu     sync.Mutex
	buf    []Event
	closed bool
	notify chan struct{}
}

func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.buf) >= s.capacity {
		// Drop oldest to make room; the publisher must never block.
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, evt)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed, or
// done is closed. The bool is false after Close (which discards any
// undelivered events) or once done fires.
func (s *Subscription) Next(done <-chan struct{}) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			evt := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return evt, true
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-done:
			return Event{}, false
		}
	}
}

// Close releases the subscription's buffer and removes it from the
// emitter. Safe to call more than once and safe even if the subscriber
// never drains.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	s.emitter.mu.Lock()
	delete(s.emitter.subs, s)
	s.emitter.mu.Unlock()
}
