// Package bus provides the publish/subscribe transport behind the event
// notifier: an in-process bus by default, NATS when configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event with a fresh v4 identifier.
func NewEvent(eventType, source string, data interface{}) *Event {
	return NewEventWithID(uuid.New().String(), eventType, source, data)
}

// NewEventWithID creates an event with a caller-chosen identifier.
// Deterministic identifiers let subscribers deduplicate redelivered events.
func NewEventWithID(id, eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract. Subject patterns use NATS wildcards:
// `*` matches one dot-separated token, `>` matches the rest of the subject.
type EventBus interface {
	// Publish sends an event to a subject. On the in-memory bus the call
	// returns after every matching handler has run.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close tears the transport down; subsequent publishes fail.
	Close()

	// IsConnected reports whether the transport can deliver.
	IsConnected() bool
}
