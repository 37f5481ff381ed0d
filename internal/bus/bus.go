// Package bus provides the process-wide typed publish/subscribe surface for
// runtime lifecycle events. Delivery is fire-and-forget: handlers run in
// subscription order, a failing handler is isolated and logged, and the
// publisher never blocks on subscriber failures.
package bus

import (
	"log/slog"
	"sync"
)

// Canonical event names. Payloads are opaque maps keyed by the fields each
// event documents.
const (
	AgentInitialized = "AGENT_INITIALIZED"
	AgentReady       = "AGENT_READY"
	AgentExecuting   = "AGENT_EXECUTING"
	AgentCleanup     = "AGENT_CLEANUP"
	AgentError       = "AGENT_ERROR"

	ToolStarted   = "TOOL_STARTED"
	ToolCompleted = "TOOL_COMPLETED"
	ToolError     = "TOOL_ERROR"

	TaskStarted   = "TASK_STARTED"
	TaskCompleted = "TASK_COMPLETED"
	TaskFailed    = "TASK_FAILED"
	TaskCancelled = "TASK_CANCELLED"

	MessageCreated = "MESSAGE_CREATED"
	MessageUpdated = "MESSAGE_UPDATED"
	SessionCreated = "SESSION_CREATED"
	SessionUpdated = "SESSION_UPDATED"
	SessionDeleted = "SESSION_DELETED"
)

// Payload is the opaque event payload.
type Payload map[string]any

// Handler receives one published event.
type Handler func(event string, payload Payload)

// subscription pairs a handler with a registration order token.
type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed pub/sub hub. The zero value is not usable; construct with
// New. One shared instance is passed by reference through the runtime; the
// core holds no other global mutable state.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
	logger *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for an event name and returns an
// unsubscribe function. Handlers for one event run in subscription order.
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

// Publish delivers the payload to every current subscriber of the event.
// The subscriber list is snapshotted under the lock and dispatched without
// holding it. A panicking handler is recovered and logged; it does not
// reduce delivery to the remaining handlers.
func (b *Bus) Publish(event string, payload Payload) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(event, payload, s)
	}
}

func (b *Bus) dispatch(event string, payload Payload, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event,
				"panic", r,
			)
		}
	}()
	s.handler(event, payload)
}

// Clear removes subscriptions. With no arguments it removes every
// subscription; with event names it removes only those events' subscribers.
func (b *Bus) Clear(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(events) == 0 {
		b.subs = make(map[string][]subscription)
		return
	}
	for _, e := range events {
		delete(b.subs, e)
	}
}

// SubscriberCount returns the number of subscribers for an event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}
