// ABOUTME: Change feed types: SessionChange payload, acked Delivery, and the Feed interface
// ABOUTME: Subscriptions are scoped to one session ID and end when the context is cancelled

package changefeed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("change feed closed")

// SessionChange describes the state of a Session row after a mutation.
type SessionChange struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Finished  bool      `json:"finished"`
	Title     string    `json:"title,omitempty"`
	At        time.Time `json:"at"`
}

// NewSessionChange stamps a change with a fresh event ID and the current time.
func NewSessionChange(sessionID string, finished bool, title string) SessionChange {
	return SessionChange{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Finished:  finished,
		Title:     title,
		At:        time.Now().UTC(),
	}
}

// Delivery is one received change. Ack must be called once it is handled;
// transports that redeliver unacked messages rely on it.
type Delivery struct {
	Change SessionChange
	ack    func()
}

// Ack acknowledges the delivery. Calling it more than once is harmless.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Feed publishes and subscribes to per-session changes.
type Feed interface {
	Publish(ctx context.Context, change SessionChange) error
	// Subscribe returns a channel of deliveries for sessionID. The channel is
	// closed when ctx is cancelled or the feed is closed.
	Subscribe(ctx context.Context, sessionID string) (<-chan Delivery, error)
	Close() error
}

// topicFor is the transport topic for a session
func topicFor(sessionID string) string {
	return "session-" + sessionID
}
