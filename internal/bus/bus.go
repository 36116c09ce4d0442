// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types published by an avatar context
const (
	// Model lifecycle
	EventTypeModelLoaded   EventType = "avatar.model_loaded"
	EventTypeModelUnloaded EventType = "avatar.model_unloaded"

	// Clip playback
	EventTypeClipStarted EventType = "clip.started"
	EventTypeClipStopped EventType = "clip.stopped"
	EventTypeClipFailed  EventType = "clip.failed"

	// Persistent expressions
	EventTypePersistentApplied EventType = "expression.persistent_applied"
	EventTypePersistentCleared EventType = "expression.persistent_cleared"

	// Override pipeline
	EventTypeReinstallFailed EventType = "override.reinstall_failed"

	// Tracker
	EventTypeTrackerReset EventType = "tracker.reset"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	ordered  map[EventType][]*Subscription
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
		ordered:  make(map[EventType][]*Subscription),
	}
}

// Subscription delivers events to one handler on a single goroutine, in
// the order they were published. Events that arrive while the buffer is
// full are dropped and counted.
type Subscription struct {
	bus     *EventBus
	types   []EventType
	handler Handler

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
	done    chan struct{}
}

// SubscribeOrdered adds a handler that sees events of the given types one
// at a time in publish order. Close the subscription to stop delivery.
func (b *EventBus) SubscribeOrdered(eventTypes []EventType, buffer int, handler Handler) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		bus:     b,
		types:   append([]EventType(nil), eventTypes...),
		handler: handler,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go s.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range s.types {
		b.ordered[et] = append(b.ordered[et], s)
	}
	return s
}

func (s *Subscription) run() {
	defer close(s.done)
	for e := range s.ch {
		s.handler(e)
	}
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

// Dropped returns how many events were lost to a full buffer
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and waits for queued events to be handled. It is safe
// to call more than once, but not from the handler itself.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

func (b *EventBus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range s.types {
		subs := b.ordered[et]
		for i, existing := range subs {
			if existing == s {
				b.ordered[et] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (b *EventBus) orderedFor(t EventType) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Subscription(nil), b.ordered[t]...)
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
	for _, sub := range b.orderedFor(event.Type) {
		sub.push(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
// Ordered subscriptions are only queued, not waited on.
func (b *EventBus) PublishSync(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
	for _, sub := range b.orderedFor(event.Type) {
		sub.push(event)
	}
}

// Clear removes all handlers and closes every ordered subscription
func (b *EventBus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[EventType][]Handler)
	seen := make(map[*Subscription]bool)
	var subs []*Subscription
	for _, list := range b.ordered {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				subs = append(subs, s)
			}
		}
	}
	b.ordered = make(map[EventType][]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
