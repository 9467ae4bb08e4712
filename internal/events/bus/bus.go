// Package bus provides the event bus abstraction for MASC: an in-memory
// implementation for single-process rooms and a NATS implementation for
// clustered fan-out.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh UUID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the contract both implementations satisfy. Subjects are
// dot-separated; subscribe patterns accept NATS-style wildcards
// (* one token, > rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
