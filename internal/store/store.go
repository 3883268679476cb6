// ABOUTME: Store interface and data types for consult-gateway persistence
// ABOUTME: Defines Session, Message, Feedback and the role/rating enumerations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateFeedback is returned when a session already has a feedback row.
// Callers closing out a session treat it as success.
var ErrDuplicateFeedback = errors.New("feedback already exists for session")

// ErrDuplicateMessage is returned when a message ID is reused
var ErrDuplicateMessage = errors.New("message already exists")

// DefaultSessionTitle is the title given to sessions created without one
const DefaultSessionTitle = "New Chat"

// Session is a persisted consult thread. Finished is set by the backend when it
// judges the consult complete; the client only ever edits Title.
type Session struct {
	ID        string
	OwnerID   string
	Title     string
	Finished  bool
	CreatedAt time.Time
}

// SessionSummary is a Session joined with the existence of its feedback row
type SessionSummary struct {
	Session
	HasFeedback bool
}

// Message is a single immutable turn within a session
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Feedback closes out a finished session. At most one row exists per session.
type Feedback struct {
	ID          string
	SessionID   string
	OwnerID     string
	EmojiRating EmojiRating
	ReviewText  string // empty means no review
	CreatedAt   time.Time
}

// SessionStore covers session rows
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionSummaries(ctx context.Context, ownerID string, limit int) ([]*SessionSummary, error)
	UpdateSessionTitle(ctx context.Context, id, title string) (*Session, error)
	SetSessionFinished(ctx context.Context, id string, finished bool) (*Session, error)
}

// MessageStore covers message rows
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
}

// FeedbackStore covers feedback rows
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, fb *Feedback) error
	GetFeedback(ctx context.Context, sessionID string) (*Feedback, error)
	HasFeedback(ctx context.Context, sessionID string) (bool, error)
}

// Store is the full durable store used by the gateway
type Store interface {
	SessionStore
	MessageStore
	FeedbackStore

	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
