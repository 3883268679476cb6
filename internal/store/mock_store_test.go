// ABOUTME: Tests for MockStore, run against the same behaviors as SQLiteStore
// ABOUTME: Ensures the fake stays honest about not-found and duplicate semantics

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SessionLifecycle(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	createTestSession(t, m, "sess-1", "user-1", time.Now())

	got, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTitle, again.Title, "GetSession must return a copy")

	updated, err := m.SetSessionFinished(ctx, "sess-1", true)
	require.NoError(t, err)
	assert.True(t, updated.Finished)

	_, err = m.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_MessagesAndFeedback(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	base := time.Now()
	createTestSession(t, m, "sess-1", "user-1", base)

	require.NoError(t, m.SaveMessage(ctx, &Message{ID: "b", SessionID: "sess-1", Role: "writer", Content: "reply", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, m.SaveMessage(ctx, &Message{ID: "a", SessionID: "sess-1", Role: RoleUser, Content: "hi", CreatedAt: base}))
	assert.ErrorIs(t, m.SaveMessage(ctx, &Message{ID: "a", SessionID: "sess-1", Role: RoleUser, CreatedAt: base}), ErrDuplicateMessage)
	assert.ErrorIs(t, m.SaveMessage(ctx, &Message{ID: "c", SessionID: "nope", Role: RoleUser, CreatedAt: base}), ErrNotFound)

	msgs, err := m.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	fb := &Feedback{ID: "f1", SessionID: "sess-1", OwnerID: "user-1", EmojiRating: RatingPositive, CreatedAt: base}
	require.NoError(t, m.CreateFeedback(ctx, fb))
	assert.ErrorIs(t, m.CreateFeedback(ctx, fb), ErrDuplicateFeedback)

	sums, err := m.ListSessionSummaries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.True(t, sums[0].HasFeedback)
}

func TestMockStore_InjectedError(t *testing.T) {
	m := NewMockStore()
	createTestSession(t, m, "sess-1", "user-1", time.Now())

	boom := errors.New("disk full")
	m.Err = boom

	err := m.SaveMessage(context.Background(), &Message{ID: "a", SessionID: "sess-1", Role: RoleUser, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, boom)
}
