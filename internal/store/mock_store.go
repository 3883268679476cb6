// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	messages map[string][]*Message // keyed by session ID, insertion order
	feedback map[string]*Feedback  // keyed by session ID
	msgIDs   map[string]struct{}   // message IDs already used

	// Err, when set, is returned from every write. Tests use it to simulate
	// an unavailable database.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		feedback: make(map[string]*Feedback),
		msgIDs:   make(map[string]struct{}),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	// Make a copy to avoid external modification
	s := *session
	s.CreatedAt = s.CreatedAt.UTC()
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *s
	return &result, nil
}

// ListSessionSummaries returns the owner's sessions newest first.
func (m *MockStore) ListSessionSummaries(ctx context.Context, ownerID string, limit int) ([]*SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*SessionSummary
	for _, s := range m.sessions {
		if s.OwnerID != ownerID {
			continue
		}
		_, has := m.feedback[s.ID]
		result = append(result, &SessionSummary{Session: *s, HasFeedback: has})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateSessionTitle changes a session's title.
func (m *MockStore) UpdateSessionTitle(ctx context.Context, id, title string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Title = title

	result := *s
	return &result, nil
}

// SetSessionFinished sets the finished flag.
func (m *MockStore) SetSessionFinished(ctx context.Context, id string, finished bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Finished = finished

	result := *s
	return &result, nil
}

// SaveMessage appends a message to its session.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	if _, dup := m.msgIDs[msg.ID]; dup {
		return ErrDuplicateMessage
	}

	c := *msg
	role, ok := NormalizeRole(string(c.Role))
	if !ok {
		return errInvalidRole(c.Role)
	}
	c.Role = role
	c.CreatedAt = c.CreatedAt.UTC()

	m.msgIDs[c.ID] = struct{}{}
	m.messages[c.SessionID] = append(m.messages[c.SessionID], &c)
	return nil
}

// ListMessages returns a session's messages in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		c := *msg
		result = append(result, &c)
	}

	// Stable keeps insertion order for equal timestamps
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CreateFeedback stores the feedback row for a session.
func (m *MockStore) CreateFeedback(ctx context.Context, fb *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.sessions[fb.SessionID]; !ok {
		return ErrNotFound
	}
	if _, dup := m.feedback[fb.SessionID]; dup {
		return ErrDuplicateFeedback
	}

	c := *fb
	c.CreatedAt = c.CreatedAt.UTC()
	m.feedback[c.SessionID] = &c
	return nil
}

// GetFeedback returns the feedback row for a session.
func (m *MockStore) GetFeedback(ctx context.Context, sessionID string) (*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fb, ok := m.feedback[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *fb
	return &result, nil
}

// HasFeedback reports whether a feedback row exists.
func (m *MockStore) HasFeedback(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.feedback[sessionID]
	return ok, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
