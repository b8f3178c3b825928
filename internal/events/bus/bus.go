// Package bus provides the event bus used for intra-daemon fan-out:
// agent directory updates, attention events, and lifecycle transitions.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects.
const (
	SubjectAgentUpdated  = "paseo.agent.updated"  // directory changed
	SubjectAgentStream   = "paseo.agent.stream."  // + agentId
	SubjectAttention     = "paseo.agent.attention"
	SubjectSessionJoined = "paseo.session.joined"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// DecodeData fills v with the event payload. In-process publishers carry
// Data as the typed struct, but after a NATS round trip it arrives as
// generic JSON, so decoding goes through json either way.
func (e *Event) DecodeData(v any) error {
	if e.Data == nil {
		return nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Delivery to in-process handlers is
	// synchronous and in publish order.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * for one token, > for the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
