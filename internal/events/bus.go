package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is a callback invoked for every event of a subscribed type
type Handler func(event *Event)

// Bus is a simple in-process publish/subscribe event bus.
// Handlers run synchronously on the emitting goroutine; they must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	anyHandlers []Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyHandlers = append(b.anyHandlers, handler)
}

// Emit publishes an event to all subscribed handlers
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	typed := b.handlers[eventType]
	any := b.anyHandlers
	b.mu.RUnlock()

	for _, h := range typed {
		b.safeInvoke(h, event)
	}
	for _, h := range any {
		b.safeInvoke(h, event)
	}
}

// safeInvoke runs a handler and recovers panics so one bad subscriber
// cannot take down the emitter.
func (b *Bus) safeInvoke(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
