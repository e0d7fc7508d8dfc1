// Package bus provides the event bus carrying session event streams
// between the session manager and the broadcaster.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Type is one of the
// wire frame types; Data is the frame payload.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source"` // component that produced the event
	SessionID  string         `json:"session_id"`
	WorktreeID string         `json:"worktree_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source, sessionID, worktreeID string, data map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Source:     source,
		SessionID:  sessionID,
		WorktreeID: worktreeID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// SessionSubject returns the publish subject for one session's event stream.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.events", sessionID)
}

// AllSessionsSubject matches every session's event stream.
func AllSessionsSubject() string {
	return "session.>"
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
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * (one token) and > (tail).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
