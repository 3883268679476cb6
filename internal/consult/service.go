// ABOUTME: Session service for creating, renaming, finishing and listing consults
// ABOUTME: Every Session row mutation is published to the change feed after it is stored

package consult

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/changefeed"
	"github.com/2389/consult-gateway/internal/lifecycle"
	"github.com/2389/consult-gateway/internal/store"
)

// SessionStore defines what the service needs from storage
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessionSummaries(ctx context.Context, ownerID string, limit int) ([]*store.SessionSummary, error)
	UpdateSessionTitle(ctx context.Context, id, title string) (*store.Session, error)
	SetSessionFinished(ctx context.Context, id string, finished bool) (*store.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
}

// Publisher is the write side of the change feed
type Publisher interface {
	Publish(ctx context.Context, change changefeed.SessionChange) error
}

// Service owns session rows on behalf of their owners and the backend.
type Service struct {
	store  SessionStore
	feed   Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a session service. feed may be nil when nothing watches sessions.
func New(s SessionStore, feed Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		feed:   feed,
		logger: logger.With("component", "consult"),
		now:    time.Now,
	}
}

// CreateSession starts a new, unfinished consult for owner.
func (s *Service) CreateSession(ctx context.Context, owner, title string) (*store.Session, error) {
	if owner == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "owner is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = store.DefaultSessionTitle
	}

	session := &store.Session{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err, "creating session")
	}

	s.logger.Info("session created", "session_id", session.ID, "owner_id", owner)
	return session, nil
}

// GetSession returns a session owned by owner. Sessions owned by someone else
// are reported as not found.
func (s *Service) GetSession(ctx context.Context, owner, id string) (*store.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Wrap(apierr.KindNotFound, err, "session not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err, "loading session")
	}
	if session.OwnerID != owner {
		return nil, apierr.Wrap(apierr.KindNotFound, store.ErrNotFound, "session not found")
	}
	return session, nil
}

// RenameSession changes the title of an owned session.
func (s *Service) RenameSession(ctx context.Context, owner, id, title string) (*store.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "title is required")
	}
	if _, err := s.GetSession(ctx, owner, id); err != nil {
		return nil, err
	}

	session, err := s.store.UpdateSessionTitle(ctx, id, title)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Wrap(apierr.KindNotFound, err, "session not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err, "renaming session")
	}

	_ = s.publish(ctx, session)
	return session, nil
}

// MarkFinished sets the backend-owned finished flag and announces the change.
// A failed publish is returned after the row is stored so the caller can retry;
// repeated deliveries are harmless to watchers.
func (s *Service) MarkFinished(ctx context.Context, id string, finished bool) (*store.Session, error) {
	session, err := s.store.SetSessionFinished(ctx, id, finished)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Wrap(apierr.KindNotFound, err, "session not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err, "updating finished flag")
	}

	s.logger.Info("session finished flag set", "session_id", id, "finished", finished)
	if err := s.publish(ctx, session); err != nil {
		return session, apierr.Wrap(apierr.KindInternal, err, "publishing session change")
	}
	return session, nil
}

// ListSessions returns owner's sessions newest first, split into sidebar groups.
func (s *Service) ListSessions(ctx context.Context, owner string) (lifecycle.Groups, error) {
	summaries, err := s.store.ListSessionSummaries(ctx, owner, 0)
	if err != nil {
		return lifecycle.Groups{}, apierr.Wrap(apierr.KindPersistence, err, "listing sessions")
	}
	return lifecycle.Classify(summaries), nil
}

// History returns the messages of an owned session in the order they were written.
func (s *Service) History(ctx context.Context, owner, id string) ([]*store.Message, error) {
	if _, err := s.GetSession(ctx, owner, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err, "loading history")
	}
	return msgs, nil
}

func (s *Service) publish(ctx context.Context, session *store.Session) error {
	if s.feed == nil {
		return nil
	}
	change := changefeed.NewSessionChange(session.ID, session.Finished, session.Title)
	if err := s.feed.Publish(ctx, change); err != nil {
		s.logger.Warn("session change not published",
			"session_id", session.ID,
			"event_id", change.EventID,
			"error", err)
		return err
	}
	return nil
}
