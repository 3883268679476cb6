// ABOUTME: Tests for the lifecycle manager wired to an in-process change feed
// ABOUTME: Covers refcounted acquire/release, one cue per edge, and watcher notifications

package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/changefeed"
	"github.com/2389/consult-gateway/internal/store"
)

func newTestManager(t *testing.T, cues *atomic.Int32) (*Manager, *store.MockStore, *changefeed.Broadcaster) {
	t.Helper()
	ms := store.NewMockStore()
	feed := changefeed.NewBroadcaster(nil)
	m := NewManager(ms, feed, ManagerOptions{
		OnFinishable: func(string) {
			if cues != nil {
				cues.Add(1)
			}
		},
	})
	t.Cleanup(func() {
		m.Close()
		_ = feed.Close()
	})
	return m, ms, feed
}

func TestManager_AcquireIsRefcounted(t *testing.T) {
	m, ms, feed := newTestManager(t, nil)
	newSession(t, ms, "s1", false)

	c1, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	c2, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, feed.SubscriberCount("s1"))

	m.Release("s1")
	_, ok := m.Get("s1")
	assert.True(t, ok)

	m.Release("s1")
	_, ok = m.Get("s1")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return feed.SubscriberCount("s1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_AcquireUnknownSession(t *testing.T) {
	m, _, feed := newTestManager(t, nil)

	_, err := m.Acquire(t.Context(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, ok := m.Get("missing")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return feed.SubscriberCount("missing") == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_DuplicateDeliveriesCueOnce(t *testing.T) {
	var cues atomic.Int32
	m, ms, feed := newTestManager(t, &cues)
	newSession(t, ms, "s1", false)

	c, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)

	ev := changefeed.NewSessionChange("s1", true, "")
	for i := 0; i < 3; i++ {
		require.NoError(t, feed.Publish(t.Context(), ev))
	}

	assert.Eventually(t, func() bool { return c.Phase() == PhaseFinishable }, time.Second, 10*time.Millisecond)
	// Give any extra deliveries time to be applied
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cues.Load())
}

func TestManager_WatchNotifications(t *testing.T) {
	m, ms, feed := newTestManager(t, nil)
	newSession(t, ms, "s1", false)

	c, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	ch, ok := m.Watch(t.Context(), "s1")
	require.True(t, ok)

	require.NoError(t, feed.Publish(t.Context(), changefeed.NewSessionChange("s1", true, "")))

	got := map[NotificationType]Snapshot{}
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case n := <-ch:
			got[n.Type] = n.Snapshot
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, PhaseFinishable, got[NotifyPhase].Phase)
	assert.True(t, got[NotifyFinishable].ShouldPrompt)

	require.NoError(t, c.RequestCompletion())
	require.NoError(t, c.SubmitFeedback(t.Context(), store.RatingPositive, ""))

	var finalized bool
	deadline = time.After(time.Second)
	for !finalized {
		select {
		case n := <-ch:
			if n.Type == NotifyFinalize {
				finalized = true
				assert.Equal(t, PhaseCompleted, n.Snapshot.Phase)
				assert.True(t, n.Snapshot.HasFeedback)
			}
		case <-deadline:
			t.Fatal("no finalize notification")
		}
	}
}

func TestManager_WatchClosedOnRelease(t *testing.T) {
	m, ms, _ := newTestManager(t, nil)
	newSession(t, ms, "s1", false)

	_, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	ch, ok := m.Watch(t.Context(), "s1")
	require.True(t, ok)

	m.Release("s1")

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}

	_, ok = m.Watch(t.Context(), "s1")
	assert.False(t, ok)
}

func TestManager_Closed(t *testing.T) {
	m, ms, _ := newTestManager(t, nil)
	newSession(t, ms, "s1", false)

	m.Close()
	_, err := m.Acquire(t.Context(), "s1")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_IdleTimeoutKeepsState(t *testing.T) {
	ms := store.NewMockStore()
	feed := changefeed.NewBroadcaster(nil)
	m := NewManager(ms, feed, ManagerOptions{IdleTimeout: time.Hour})
	t.Cleanup(func() {
		m.Close()
		_ = feed.Close()
	})
	newSession(t, ms, "s1", true)

	c, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	require.NoError(t, c.RequestCompletion())
	m.Release("s1")

	again, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, PhaseAwaitingFeedback, again.Phase())
	m.Release("s1")
}

func TestManager_IdleTimeoutExpires(t *testing.T) {
	ms := store.NewMockStore()
	feed := changefeed.NewBroadcaster(nil)
	m := NewManager(ms, feed, ManagerOptions{IdleTimeout: 20 * time.Millisecond})
	t.Cleanup(func() {
		m.Close()
		_ = feed.Close()
	})
	newSession(t, ms, "s1", false)

	_, err := m.Acquire(t.Context(), "s1")
	require.NoError(t, err)
	m.Release("s1")

	assert.Eventually(t, func() bool {
		_, ok := m.Get("s1")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return feed.SubscriberCount("s1") == 0 }, time.Second, 10*time.Millisecond)
}

// gatedStore blocks GetSession for one session until gate is closed.
type gatedStore struct {
	*store.MockStore
	slowID  string
	gate    chan struct{}
	reading chan struct{}
}

func (g *gatedStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if id == g.slowID {
		g.reading <- struct{}{}
		<-g.gate
	}
	return g.MockStore.GetSession(ctx, id)
}

func TestManager_SlowAttachDoesNotBlockOtherSessions(t *testing.T) {
	ms := store.NewMockStore()
	newSession(t, ms, "slow", false)
	newSession(t, ms, "fast", false)

	gs := &gatedStore{MockStore: ms, slowID: "slow", gate: make(chan struct{}), reading: make(chan struct{}, 2)}
	feed := changefeed.NewBroadcaster(nil)
	m := NewManager(gs, feed, ManagerOptions{})
	t.Cleanup(func() {
		m.Close()
		_ = feed.Close()
	})

	type result struct {
		c   *Coordinator
		err error
	}
	first := make(chan result, 1)
	go func() {
		c, err := m.Acquire(context.Background(), "slow")
		first <- result{c, err}
	}()
	<-gs.reading

	// Another session attaches while "slow" is still reading the store
	fast, err := m.Acquire(t.Context(), "fast")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, fast.Phase())
	m.Release("fast")

	_, ok := m.Get("slow")
	assert.False(t, ok, "not visible until attached")

	second := make(chan result, 1)
	go func() {
		c, err := m.Acquire(context.Background(), "slow")
		second <- result{c, err}
	}()

	close(gs.gate)
	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Same(t, r1.c, r2.c)
	assert.Equal(t, 1, feed.SubscriberCount("slow"))

	m.Release("slow")
	m.Release("slow")
	_, ok = m.Get("slow")
	assert.False(t, ok)
}

func TestManager_ConcurrentAcquireSharesAttachFailure(t *testing.T) {
	ms := store.NewMockStore()
	gs := &gatedStore{MockStore: ms, slowID: "missing", gate: make(chan struct{}), reading: make(chan struct{}, 2)}
	feed := changefeed.NewBroadcaster(nil)
	m := NewManager(gs, feed, ManagerOptions{})
	t.Cleanup(func() {
		m.Close()
		_ = feed.Close()
	})

	errs := make(chan error, 2)
	go func() {
		_, err := m.Acquire(context.Background(), "missing")
		errs <- err
	}()
	<-gs.reading
	go func() {
		_, err := m.Acquire(context.Background(), "missing")
		errs <- err
	}()

	// Let the second caller join the pending entry before the read finishes
	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.entries["missing"]
		return ok && e.refs == 2
	}, time.Second, 5*time.Millisecond)
	close(gs.gate)

	require.ErrorIs(t, <-errs, store.ErrNotFound)
	require.ErrorIs(t, <-errs, store.ErrNotFound)
	_, ok := m.Get("missing")
	assert.False(t, ok)
}
