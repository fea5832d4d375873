// Package bus provides an in-process publish/subscribe channel for lifecycle
// events. Handlers run synchronously on the publisher's goroutine in
// registration order; a panicking handler is logged and never breaks the
// publisher or other subscribers.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event names published by the runtime.
const (
	EventServerConnected    = "server_connected"
	EventServerDisconnected = "server_disconnected"
	EventServerReconnecting = "server_reconnecting"
	EventReconnectFailed    = "reconnect_failed"

	EventPlanStarted   = "plan_started"
	EventPlanCompleted = "plan_completed"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"

	EventSessionCreated = "session_created"
	EventSessionForked  = "session_forked"

	EventObjectiveStarted   = "objective_started"
	EventObjectiveCompleted = "objective_completed"
	EventObjectiveFailed    = "objective_failed"
)

// Event is what a handler receives.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler consumes a published event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous topic-based event bus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func New() *Bus {
	return &Bus{
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for an event name and returns an unsubscribe
// function. Handlers are invoked in registration order.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, s := range subs {
			if s.id == id {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all subscribers synchronously.
func (b *Bus) Publish(event string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	ev := Event{Name: event, Payload: payload, Time: time.Now()}
	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of handlers for an event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
