// ABOUTME: Coordinator owns the derived lifecycle state of one session
// ABOUTME: Idempotent against duplicate and stale change events; fires the finishable cue once per edge

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/changefeed"
	"github.com/2389/consult-gateway/internal/store"
)

// Coordinator errors
var (
	ErrNotAttached          = errors.New("coordinator not attached")
	ErrConfirmationRequired = errors.New("dismissal must be requested before it is confirmed")
	ErrPromptUsed           = errors.New("dismiss prompt already answered")
)

// Store is what the coordinator reads and writes.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	HasFeedback(ctx context.Context, sessionID string) (bool, error)
	CreateFeedback(ctx context.Context, fb *store.Feedback) error
}

// Snapshot is a read-only view of a coordinator's state.
type Snapshot struct {
	SessionID       string `json:"session_id"`
	Phase           Phase  `json:"phase"`
	Finished        bool   `json:"finished"`
	HasFeedback     bool   `json:"has_feedback"`
	DialogDismissed bool   `json:"dialog_dismissed"`
	// ShouldPrompt is true when the completion dialog should open on its own
	ShouldPrompt bool `json:"should_prompt"`
}

// Options configures a Coordinator. Callbacks run while the coordinator's
// lock is held and must not call back into it.
type Options struct {
	// OnFinishable is the one-shot cue for a false->true finished edge
	OnFinishable func(sessionID string)
	// OnPhase is called after every phase change
	OnPhase func(Snapshot)
	// OnFinalize is called once feedback (real or placeholder) is recorded
	OnFinalize func(sessionID string)
	Logger     *slog.Logger
}

// Coordinator derives the lifecycle phase of one session from the store and
// change events. All methods are serialized.
type Coordinator struct {
	mu        sync.Mutex
	sessionID string
	store     Store
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	attached        bool
	ownerID         string
	phase           Phase
	finished        bool
	hasFeedback     bool
	dialogDismissed bool
	lastChangeAt    time.Time
	pending         *DismissPrompt
}

// NewCoordinator creates a coordinator for sessionID. Call Attach before use.
func NewCoordinator(s Store, sessionID string, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessionID: sessionID,
		store:     s,
		opts:      opts,
		logger:    logger.With("component", "lifecycle", "session_id", sessionID),
		now:       time.Now,
	}
}

// SessionID returns the session this coordinator tracks.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Attach loads the session from the store and resets derived state. A session
// that already has feedback counts as handled, so it is not re-prompted.
func (c *Coordinator) Attach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Changes stamped before this read are already reflected in it
	readAt := c.now().UTC()
	session, err := c.store.GetSession(ctx, c.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.Wrap(apierr.KindNotFound, err, "session not found")
	}
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err, "loading session")
	}

	hasFeedback, err := c.store.HasFeedback(ctx, c.sessionID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err, "checking feedback")
	}

	prev := c.phase
	wasAttached := c.attached

	c.attached = true
	c.ownerID = session.OwnerID
	c.finished = session.Finished
	c.hasFeedback = hasFeedback
	c.dialogDismissed = hasFeedback
	c.lastChangeAt = readAt
	c.pending = nil
	c.phase = Derive(c.finished, c.hasFeedback)

	c.logger.Debug("attached", "phase", c.phase, "finished", c.finished, "has_feedback", c.hasFeedback)
	if !wasAttached || prev != c.phase {
		c.emitPhase()
	}
	return nil
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:       c.sessionID,
		Phase:           c.phase,
		Finished:        c.finished,
		HasFeedback:     c.hasFeedback,
		DialogDismissed: c.dialogDismissed,
		ShouldPrompt:    c.phase == PhaseFinishable && !c.dialogDismissed,
	}
}

// HandleChange applies one change-feed delivery. A change whose Finished
// value matches the cached one is a no-op, as is a change older than the last
// one applied.
func (c *Coordinator) HandleChange(ctx context.Context, change changefeed.SessionChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return ErrNotAttached
	}
	if change.SessionID != c.sessionID {
		return nil
	}
	if !change.At.IsZero() && !c.lastChangeAt.IsZero() && change.At.Before(c.lastChangeAt) {
		c.logger.Debug("ignoring stale change", "event_id", change.EventID)
		return nil
	}
	if change.Finished == c.finished {
		c.markApplied(change)
		return nil
	}

	if !change.Finished {
		c.finished = false
		c.markApplied(change)
		return c.applyLocked(EventUnfinished)
	}

	// false -> true: the source of truth for feedback is the store, not the event
	hasFeedback, err := c.store.HasFeedback(ctx, c.sessionID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err, "checking feedback")
	}

	c.finished = true
	c.hasFeedback = hasFeedback
	c.dialogDismissed = false
	c.markApplied(change)

	if hasFeedback {
		return c.applyLocked(EventFeedbackFound)
	}
	if err := c.applyLocked(EventFinished); err != nil {
		return err
	}
	if c.phase == PhaseFinishable {
		c.logger.Info("session became finishable", "event_id", change.EventID)
		if c.opts.OnFinishable != nil {
			c.opts.OnFinishable(c.sessionID)
		}
	}
	return nil
}

func (c *Coordinator) markApplied(change changefeed.SessionChange) {
	if change.At.After(c.lastChangeAt) {
		c.lastChangeAt = change.At
	}
}

// RequestCompletion opens the completion dialog. Valid only from Finishable.
func (c *Coordinator) RequestCompletion() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return ErrNotAttached
	}
	return c.applyLocked(EventCompletionRequested)
}

// SubmitFeedback records the user's rating. Valid from AwaitingFeedback; a
// repeat submission once Completed is accepted without writing. An existing
// feedback row counts as success.
func (c *Coordinator) SubmitFeedback(ctx context.Context, rating store.EmojiRating, review string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return ErrNotAttached
	}
	if _, err := store.ParseEmojiRating(string(rating)); err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "invalid rating")
	}
	if c.phase == PhaseCompleted {
		return nil
	}
	if _, err := Transition(c.phase, EventFeedbackSubmitted); err != nil {
		return err
	}

	if err := c.recordFeedbackLocked(ctx, rating, review); err != nil {
		return err
	}
	return c.completeLocked(EventFeedbackSubmitted)
}

// DismissWithoutFeedback starts ending the session without a rating. Nothing
// is written until the returned prompt is confirmed; GoBack returns to
// Finishable instead. Valid only from AwaitingFeedback.
func (c *Coordinator) DismissWithoutFeedback() (*DismissPrompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return nil, ErrNotAttached
	}
	if c.phase != PhaseAwaitingFeedback {
		return nil, fmt.Errorf("%w: dismiss in phase %s", ErrInvalidTransition, c.phase)
	}
	if c.pending == nil {
		c.pending = &DismissPrompt{c: c}
	}
	return c.pending, nil
}

// ConfirmDismiss answers the pending prompt with "end without feedback".
func (c *Coordinator) ConfirmDismiss(ctx context.Context) error {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()

	if p == nil {
		return ErrConfirmationRequired
	}
	return p.Confirm(ctx)
}

// CancelDismiss answers the pending prompt with "go back".
func (c *Coordinator) CancelDismiss() error {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()

	if p == nil {
		return ErrConfirmationRequired
	}
	return p.GoBack()
}

// DismissPrompt is the confirmation step between "close the dialog" and
// writing a placeholder feedback row.
type DismissPrompt struct {
	c        *Coordinator
	answered bool
}

// Confirm writes a neutral placeholder feedback row and completes the session.
func (p *DismissPrompt) Confirm(ctx context.Context) error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := p.checkLocked(); err != nil {
		return err
	}

	if err := c.recordFeedbackLocked(ctx, store.RatingNeutral, ""); err != nil {
		return err
	}
	p.answered = true
	c.pending = nil
	return c.completeLocked(EventDismissConfirmed)
}

// GoBack closes the dialog without writing anything. The session stays
// finishable and is not re-prompted automatically.
func (p *DismissPrompt) GoBack() error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := p.checkLocked(); err != nil {
		return err
	}

	p.answered = true
	c.pending = nil
	c.dialogDismissed = true
	return c.applyLocked(EventDismissCancelled)
}

func (p *DismissPrompt) checkLocked() error {
	if p.answered {
		return ErrPromptUsed
	}
	// A re-attach or a finished flip may have moved the coordinator on
	if p.c.pending != p || p.c.phase != PhaseAwaitingFeedback {
		return fmt.Errorf("%w: prompt no longer current", ErrInvalidTransition)
	}
	return nil
}

// recordFeedbackLocked writes the feedback row. A duplicate is success.
func (c *Coordinator) recordFeedbackLocked(ctx context.Context, rating store.EmojiRating, review string) error {
	fb := &store.Feedback{
		ID:          uuid.New().String(),
		SessionID:   c.sessionID,
		OwnerID:     c.ownerID,
		EmojiRating: rating,
		ReviewText:  review,
		CreatedAt:   c.now().UTC(),
	}
	err := c.store.CreateFeedback(ctx, fb)
	if errors.Is(err, store.ErrDuplicateFeedback) {
		c.logger.Info("feedback already recorded", "rating", rating)
		return nil
	}
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err, "recording feedback")
	}
	c.logger.Info("feedback recorded", "rating", rating)
	return nil
}

func (c *Coordinator) completeLocked(e Event) error {
	c.hasFeedback = true
	c.dialogDismissed = true
	if err := c.applyLocked(e); err != nil {
		return err
	}
	if c.opts.OnFinalize != nil {
		c.opts.OnFinalize(c.sessionID)
	}
	return nil
}

// applyLocked runs the transition function and emits on change.
func (c *Coordinator) applyLocked(e Event) error {
	next, err := Transition(c.phase, e)
	if err != nil {
		return err
	}
	if next == c.phase {
		return nil
	}

	c.logger.Debug("phase change", "from", c.phase, "to", next, "event", e)
	c.phase = next
	if next != PhaseAwaitingFeedback {
		c.pending = nil
	}
	c.emitPhase()
	return nil
}

func (c *Coordinator) emitPhase() {
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(c.snapshotLocked())
	}
}
