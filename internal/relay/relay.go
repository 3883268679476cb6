// ABOUTME: Message relay: authenticate, check ownership, record the user turn, call backend, record reply
// ABOUTME: Stateless per call; every failure leaves as one classified *apierr.Error

package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/backend"
	"github.com/2389/consult-gateway/internal/store"
	"github.com/2389/consult-gateway/internal/tokenexchange"
)

// SessionStore is what the relay needs from storage
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// replySuffix derives the assistant message ID from the user message ID, so
// a re-issued call lands on the same row.
const replySuffix = ":reply"

// Input is one relay call.
type Input struct {
	Message   string
	SessionID string
	MessageID string
	// Authorization is the raw Authorization header value
	Authorization string
}

// Output is a successful relay call.
type Output struct {
	Response  string
	SessionID string
	// Degraded is true when the reply was synthesized without a backend
	Degraded bool
	// AssistantMessageID is the ID the reply was (or would have been) stored under
	AssistantMessageID string
	// PersistErr is set when the reply could not be stored. The reply is
	// still valid; the caller may retry persistence.
	PersistErr error
}

// Service relays messages to the completion backend.
type Service struct {
	store     SessionStore
	identity  auth.TokenVerifier
	exchanger tokenexchange.Exchanger
	backend   backend.Backend
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a relay service.
func New(sessions SessionStore, identity auth.TokenVerifier, exchanger tokenexchange.Exchanger, be backend.Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     sessions,
		identity:  identity,
		exchanger: exchanger,
		backend:   be,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// SendMessage relays one user message and returns the assistant reply.
//
// The caller must own the session; anyone else sees it as not found. The
// user turn is recorded before any network call; if that write fails
// nothing is sent. The assistant turn is recorded best-effort.
func (s *Service) SendMessage(ctx context.Context, in *Input) (*Output, error) {
	logger := s.logger.With("session_id", in.SessionID, "message_id", in.MessageID)

	// 1. Credential framing; no backend is contacted without it
	identityToken, err := auth.ExtractBearerToken(in.Authorization)
	if err != nil {
		return nil, s.fail(logger, err)
	}

	if err := validate(in); err != nil {
		return nil, s.fail(logger, err)
	}

	// 2. Identity and ownership, before anything is written
	principalID, err := s.identity.Verify(identityToken)
	if err != nil {
		return nil, s.fail(logger, apierr.Wrap(apierr.KindUnauthenticated, err, auth.MsgInvalidToken))
	}
	logger = logger.With("principal_id", principalID)

	session, err := s.store.GetSession(ctx, in.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, s.fail(logger, apierr.Wrap(apierr.KindNotFound, err, "session not found"))
	case err != nil:
		return nil, s.fail(logger, apierr.Wrap(apierr.KindPersistence, err, "loading session"))
	case session.OwnerID != principalID:
		return nil, s.fail(logger, apierr.New(apierr.KindNotFound, "session not found"))
	}

	// 3. Record the user turn
	sentAt := s.now().UTC()
	userMsg := &store.Message{
		ID:        in.MessageID,
		SessionID: in.SessionID,
		Role:      store.RoleUser,
		Content:   in.Message,
		CreatedAt: sentAt,
	}
	if err := s.store.SaveMessage(ctx, userMsg); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateMessage):
			// A re-issued call; the turn is already on record
			logger.Info("user message already recorded")
		case errors.Is(err, store.ErrNotFound):
			return nil, s.fail(logger, apierr.Wrap(apierr.KindNotFound, err, "session not found"))
		default:
			return nil, s.fail(logger, apierr.Wrap(apierr.KindPersistence, err, "failed to record message"))
		}
	}

	// 4. Exchange the identity token for a scoped credential
	cred, err := s.exchanger.Exchange(ctx, identityToken, in.SessionID)
	if err != nil {
		if apierr.KindOf(err) != apierr.KindAuthExchange {
			err = apierr.Wrap(apierr.KindAuthExchange, err, "token exchange failed")
		}
		return nil, s.fail(logger, err)
	}

	// 5. Call the backend
	reply, err := s.backend.Complete(ctx, &backend.Request{
		SessionID: in.SessionID,
		MessageID: in.MessageID,
		Message:   in.Message,
		Token:     cred.Token,
	})
	if err != nil {
		return nil, s.fail(logger, err)
	}

	out := &Output{
		Response:           reply.Response,
		SessionID:          in.SessionID,
		Degraded:           reply.Synthetic,
		AssistantMessageID: in.MessageID + replySuffix,
	}
	if out.Degraded {
		logger.Warn("relay degraded: no backend configured", "relay_mode", "degraded")
	}

	// 6. Record the assistant turn, best-effort
	replyAt := s.now().UTC()
	if !replyAt.After(sentAt) {
		replyAt = sentAt.Add(time.Microsecond)
	}
	assistantMsg := &store.Message{
		ID:        out.AssistantMessageID,
		SessionID: in.SessionID,
		Role:      store.RoleAssistant,
		Content:   reply.Response,
		CreatedAt: replyAt,
	}
	switch err := s.store.SaveMessage(ctx, assistantMsg); {
	case errors.Is(err, store.ErrDuplicateMessage):
		logger.Info("assistant reply already recorded", "assistant_message_id", out.AssistantMessageID)
	case err != nil:
		out.PersistErr = apierr.Wrap(apierr.KindPersistence, err, "failed to record reply")
		logger.Warn("assistant reply not recorded",
			"error_kind", "persistence_advisory",
			"assistant_message_id", out.AssistantMessageID,
			"error", err)
	}

	logger.Debug("relay complete", "degraded", out.Degraded)
	return out, nil
}

func validate(in *Input) error {
	switch {
	case strings.TrimSpace(in.Message) == "":
		return apierr.New(apierr.KindInvalidRequest, "message is required")
	case in.SessionID == "":
		return apierr.New(apierr.KindInvalidRequest, "session_id is required")
	case in.MessageID == "":
		return apierr.New(apierr.KindInvalidRequest, "message_id is required")
	}
	return nil
}

// fail logs err with its classification and returns it as an *apierr.Error.
func (s *Service) fail(logger *slog.Logger, err error) error {
	e := apierr.As(err)
	attrs := []any{"error_kind", string(e.Kind), "error", err}
	if e.Status != 0 {
		attrs = append(attrs, "upstream_status", e.Status)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}

	switch e.Kind {
	case apierr.KindUnauthenticated, apierr.KindInvalidRequest, apierr.KindNotFound:
		logger.Info("relay rejected", attrs...)
	default:
		logger.Error("relay failed", attrs...)
	}
	return e
}
