// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (auth client, messaging
// session, scheduler, insight dispatcher) to subscribers (the MQTT status
// publisher's delivery counters). Components hold a possibly nil *Bus
// and emit unconditionally.
package events

import (
	"slices"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAuth identifies events from the authenticated API client.
	SourceAuth = "auth"
	// SourceSession identifies events from the messaging session.
	SourceSession = "session"
	// SourceScheduler identifies events from the job scheduler.
	SourceScheduler = "scheduler"
	// SourceInsight identifies events from the insight dispatcher.
	SourceInsight = "insight"
)

// Kind constants describe the type of event within a source.
const (
	// KindTokenAcquired signals a new bearer token was cached.
	// Data: expires_at.
	KindTokenAcquired = "token_acquired"
	// KindTokenCleared signals the cached token was dropped after a 401.
	// Data: path.
	KindTokenCleared = "token_cleared"

	// KindSessionState signals a messaging session state transition.
	// Data: from, to, error (optional).
	KindSessionState = "session_state"
	// KindChallenge signals the session is waiting for a device link.
	// Data: uri.
	KindChallenge = "challenge"

	// KindTaskFired signals a scheduled job has begun executing.
	// Data: job, execution_id, scheduled_at.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled job has finished executing.
	// Data: job, execution_id, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindDelivered signals an insight reached the recipient.
	// Data: label, endpoint, message_len.
	KindDelivered = "delivered"
	// KindDeliveryFailed signals an insight run ended without delivery.
	// Data: label, endpoint, error.
	KindDeliveryFailed = "delivery_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a subscriber whose buffer is full misses events
// rather than blocking the publisher. A nil *Bus accepts and drops
// everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

type subscription struct {
	ch      chan Event
	sources []string // empty matches every source
}

func (s *subscription) wants(source string) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, source)
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber. A zero Timestamp
// is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Source) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with room for
// bufSize undelivered events. If sources are given, only events from
// those sources are delivered. Release the channel with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize), sources: sources}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
// Unknown or already released channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit publishes an event from source stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}
