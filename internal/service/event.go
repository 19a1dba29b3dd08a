package service

import (
	"context"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// System events
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	// Session events
	EventTypeAuthenticated   EventType = "session.authenticated"
	EventTypeUnauthenticated EventType = "session.unauthenticated"

	// Stream events
	EventTypeStreamStarted   EventType = "stream.started"
	EventTypeStreamStopped   EventType = "stream.stopped"
	EventTypeStreamStatus    EventType = "stream.status"
	EventTypeStreamDetection EventType = "stream.detection"

	// Feed and reconciliation events
	EventTypeEventsUpdated      EventType = "events.updated"
	EventTypePipelineReconciled EventType = "pipeline.reconciled"
)

// Event represents an event in the system
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // Service that emitted the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventBus provides inter-service communication via events
type EventBus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	closed      bool
	mu          sync.RWMutex
	bufferSize  int
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe subscribes to events of the given types
func (eb *EventBus) Subscribe(eventTypes ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	for _, eventType := range eventTypes {
		eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	}
	return ch
}

// SubscribeAll subscribes to every event type, including ones first
// published after the call
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.all = append(eb.all, ch)
	return ch
}

// Publish publishes an event to all subscribers. Slow subscribers miss
// events rather than block the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
	for _, sub := range eb.all {
		select {
		case sub <- event:
		default:
		}
	}
}

// Unsubscribe removes a subscription from every type it was registered for
// and closes it. Unknown or already removed channels are ignored.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	var found chan Event
	for eventType, subs := range eb.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub == ch {
				found = sub
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(eb.subscribers, eventType)
		} else {
			eb.subscribers[eventType] = kept
		}
	}
	kept := eb.all[:0]
	for _, sub := range eb.all {
		if sub == ch {
			found = sub
			continue
		}
		kept = append(kept, sub)
	}
	eb.all = kept

	if found != nil {
		close(found)
	}
}

// Close closes all subscriptions and cleans up
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	seen := make(map[chan Event]bool)
	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			if !seen[sub] {
				seen[sub] = true
				close(sub)
			}
		}
		delete(eb.subscribers, eventType)
	}
	for _, sub := range eb.all {
		if !seen[sub] {
			seen[sub] = true
			close(sub)
		}
	}
	eb.all = nil
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler subscribes to events and handles them with a function
// until ctx is done. Handler errors are passed to onError when it is set.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler, onError func(error)) {
	ch := eb.Subscribe(eventType)
	go func() {
		defer eb.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil && onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
