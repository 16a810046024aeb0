// Package events provides the in-process pub/sub bus that carries
// control-plane lifecycle events to external subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valifi/agentctl/pkg/types"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine so ordering within one publisher is preserved;
// handlers must not block.
type Handler func(event types.Event)

// Bus is a minimal observer-style event bus. Subscriptions are keyed by
// event type; the wildcard "*" receives every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]subscription
	nextID   int
}

// Wildcard subscribes a handler to all event types.
const Wildcard types.EventType = "*"

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[types.EventType][]subscription)}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to all matching subscribers in subscription
// order. Missing id/timestamp fields are filled in.
func (b *Bus) Publish(event types.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[event.Type])+len(b.handlers[Wildcard]))
	subs = append(subs, b.handlers[event.Type]...)
	subs = append(subs, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(event)
	}
}

// Emit is a convenience wrapper that builds and publishes an event.
func (b *Bus) Emit(eventType types.EventType, source string, data map[string]interface{}) {
	b.Publish(types.Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	})
}
