// Package events provides the in-process typed pub/sub bus that decouples
// upload and processing outcomes from downstream observers. Delivery is
// synchronous and not durable: a handler registered after an event fired
// never sees it.
package events

import (
	"sync"

	"mediad/internal/mediad/domain"
	"mediad/pkg/logger"
)

// Event is one published message: a type plus an opaque payload.
type Event struct {
	Type    domain.EventType
	Payload interface{}
}

// Handler receives published events. A handler that panics is isolated; it
// never prevents delivery to subsequent handlers and never propagates back
// to the emitter.
type Handler func(evt Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	eventType domain.EventType
	id        uint64
	once      bool
}

type registration struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus delivers events synchronously, in registration order, to every handler
// currently subscribed to the event's type.
type Bus struct {
	mu           sync.Mutex
	handlers     map[domain.EventType][]registration
	nextID       uint64
	maxListeners int
	logger       *logger.Logger
}

// New creates a bus. maxListeners caps subscriptions per event type; the cap
// is advisory, exceeding it logs a warning rather than failing.
func New(maxListeners int) *Bus {
	if maxListeners < 1 {
		maxListeners = 16
	}
	return &Bus{
		handlers:     make(map[domain.EventType][]registration),
		maxListeners: maxListeners,
		logger:       logger.WithField("component", "event-bus"),
	}
}

// On registers handler for eventType and returns a subscription usable with
// Off.
func (b *Bus) On(eventType domain.EventType, handler Handler) *Subscription {
	return b.subscribe(eventType, handler, false)
}

// Once registers handler for a single delivery; it is removed automatically
// after the first matching event.
func (b *Bus) Once(eventType domain.EventType, handler Handler) *Subscription {
	return b.subscribe(eventType, handler, true)
}

func (b *Bus) subscribe(eventType domain.EventType, handler Handler, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	reg := registration{id: b.nextID, handler: handler, once: once}
	b.handlers[eventType] = append(b.handlers[eventType], reg)

	if count := len(b.handlers[eventType]); count > b.maxListeners {
		b.logger.Warn("listener count exceeds configured maximum, possible subscription leak",
			"eventType", string(eventType), "listeners", count, "max", b.maxListeners)
	}

	return &Subscription{eventType: eventType, id: reg.id, once: once}
}

// Off removes a previously registered subscription. Removing an already
// removed subscription is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub.eventType, sub.id)
}

// remove must be called with b.mu held.
func (b *Bus) remove(eventType domain.EventType, id uint64) {
	regs := b.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit delivers evt synchronously to every handler currently subscribed to
// its type, in registration order. Once-handlers are unregistered before
// their delivery so a re-entrant Emit cannot fire them twice.
func (b *Bus) Emit(eventType domain.EventType, payload interface{}) {
	b.mu.Lock()
	regs := b.handlers[eventType]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	for _, reg := range regs {
		if reg.once {
			b.remove(eventType, reg.id)
		}
	}
	b.mu.Unlock()

	evt := Event{Type: eventType, Payload: payload}
	for _, reg := range snapshot {
		b.deliver(reg, evt)
	}
}

func (b *Bus) deliver(reg registration, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "eventType", string(evt.Type), "panic", r)
		}
	}()

	reg.handler(evt)
}

// ListenerCount returns how many handlers are subscribed to eventType.
func (b *Bus) ListenerCount(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}
