// Package events carries in-process notifications between the agent's loops and an append-only delivery audit log.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventConnectivityRestored is published when the backend health probe succeeds after a failure.
	EventConnectivityRestored EventType = "connectivity_restored"
	// EventConnectivityLost is published when the health probe starts failing.
	EventConnectivityLost EventType = "connectivity_lost"
	// EventActionQueued is published when an action lands in the durable queue.
	EventActionQueued EventType = "action_queued"
	// EventActionDelivered is published when the backend acknowledges an action.
	EventActionDelivered EventType = "action_delivered"
	// EventReportsReconciled is published after the reconciler recomputed derived state.
	EventReportsReconciled EventType = "reports_reconciled"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber owns a buffered
// channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType. fn runs on a dedicated goroutine; panics are recovered.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
