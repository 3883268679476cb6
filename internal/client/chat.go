// ABOUTME: Chat keeps the caller's active session and its transcript
// ABOUTME: Replies for a session that is no longer active are dropped; repeated assistant content is not appended twice

package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/store"
)

// Chat errors
var (
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnknownMessage  = errors.New("message not in transcript")
)

// Sender is the relay call Chat depends on.
type Sender interface {
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)
}

// Turn is one entry in a transcript.
type Turn struct {
	MessageID string
	Role      store.Role
	Content   string
	Degraded  bool
	At        time.Time
}

// ReplyStatus says what Chat did with a relay reply.
type ReplyStatus int

const (
	// ReplyAppended: the reply was added to the transcript
	ReplyAppended ReplyStatus = iota
	// ReplyDuplicate: an identical assistant turn already exists
	ReplyDuplicate
	// ReplyStale: the user switched sessions before the reply arrived
	ReplyStale
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplyAppended:
		return "appended"
	case ReplyDuplicate:
		return "duplicate"
	case ReplyStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Reply is the outcome of Send or Retry.
type Reply struct {
	Status ReplyStatus
	Turn   Turn
}

// Chat is the caller-side transcript for one user. Safe for concurrent use.
type Chat struct {
	sender Sender
	now    func() time.Time
	newID  func() string

	mu          sync.Mutex
	active      string
	transcripts map[string][]Turn
}

// NewChat creates a chat that relays through sender.
func NewChat(sender Sender) *Chat {
	return &Chat{
		sender:      sender,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		transcripts: make(map[string][]Turn),
	}
}

// Open makes sessionID the active session. A non-nil history replaces the
// cached transcript for that session.
func (c *Chat) Open(sessionID string, history []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = sessionID
	if history == nil {
		return
	}
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		role, ok := store.NormalizeRole(m.Role)
		if !ok {
			continue
		}
		turns = append(turns, Turn{MessageID: m.ID, Role: role, Content: m.Content, At: m.CreatedAt})
	}
	c.transcripts[sessionID] = turns
}

// Active returns the active session ID, or "" if none.
func (c *Chat) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Transcript returns a copy of the turns for sessionID.
func (c *Chat) Transcript(sessionID string) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.transcripts[sessionID]...)
}

// Send appends a user turn to the active session and relays it.
func (c *Chat) Send(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	c.mu.Lock()
	sessionID := c.active
	if sessionID == "" {
		c.mu.Unlock()
		return Reply{}, ErrNoActiveSession
	}
	turn := Turn{MessageID: c.newID(), Role: store.RoleUser, Content: text, At: c.now()}
	c.transcripts[sessionID] = append(c.transcripts[sessionID], turn)
	c.mu.Unlock()

	return c.relay(ctx, sessionID, turn)
}

// Retry re-issues the relay call for a user turn already in the active
// transcript, reusing its message ID.
func (c *Chat) Retry(ctx context.Context, messageID string) (Reply, error) {
	c.mu.Lock()
	sessionID := c.active
	var found *Turn
	for i, t := range c.transcripts[sessionID] {
		if t.MessageID == messageID && t.Role == store.RoleUser {
			found = &c.transcripts[sessionID][i]
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		return Reply{}, ErrUnknownMessage
	}
	turn := *found
	c.mu.Unlock()

	return c.relay(ctx, sessionID, turn)
}

func (c *Chat) relay(ctx context.Context, sessionID string, turn Turn) (Reply, error) {
	resp, err := c.sender.Send(ctx, &SendRequest{
		Message:   turn.Content,
		SessionID: sessionID,
		MessageID: turn.MessageID,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != sessionID {
		return Reply{Status: ReplyStale}, nil
	}
	if err != nil {
		return Reply{}, err
	}

	reply := Turn{
		Role:     store.RoleAssistant,
		Content:  resp.Response,
		Degraded: resp.Degraded,
		At:       c.now(),
	}
	for _, t := range c.transcripts[sessionID] {
		if t.Role == store.RoleAssistant && t.Content == reply.Content {
			return Reply{Status: ReplyDuplicate, Turn: t}, nil
		}
	}
	c.transcripts[sessionID] = append(c.transcripts[sessionID], reply)
	return Reply{Status: ReplyAppended, Turn: reply}, nil
}
