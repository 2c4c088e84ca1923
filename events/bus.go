package events

import (
	"sync"
	"time"
)

// Listener is a function that handles events.
type Listener func(*Event)

// Bus manages event distribution to listeners.
type Bus struct {
	mu              sync.RWMutex
	listeners       map[EventType][]Listener
	globalListeners []Listener
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[EventType][]Listener),
	}
}

// Subscribe registers a listener for a specific event type.
func (b *Bus) Subscribe(eventType EventType, listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
}

// SubscribeAll registers a listener for all event types.
func (b *Bus) SubscribeAll(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalListeners = append(b.globalListeners, listener)
}

// Publish sends an event to all registered listeners asynchronously.
// A zero Timestamp is filled in at publish time.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typeListeners := b.listeners[event.Type]

	specific := make([]Listener, len(typeListeners))
	copy(specific, typeListeners)

	global := make([]Listener, len(b.globalListeners))
	copy(global, b.globalListeners)
	b.mu.RUnlock()

	go func() {
		for _, listener := range specific {
			safeInvoke(listener, event)
		}
		for _, listener := range global {
			safeInvoke(listener, event)
		}
	}()
}

// Emit is shorthand for publishing an event of the given type and payload.
func (b *Bus) Emit(eventType EventType, data any) {
	b.Publish(&Event{Type: eventType, Data: data})
}

// Clear removes all listeners (primarily for tests).
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType][]Listener)
	b.globalListeners = nil
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}
