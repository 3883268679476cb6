// ABOUTME: Tests for the watermill-backed change feed
// ABOUTME: Uses gochannel in-process; the Redis case runs only when REDIS_ADDR is set

package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoChannelFeed_DeliversAndWaitsForAck(t *testing.T) {
	f := NewGoChannelFeed(WatermillOptions{})
	defer f.Close()

	ch, err := f.Subscribe(t.Context(), "s1")
	require.NoError(t, err)

	first := NewSessionChange("s1", false, "Renamed")
	second := NewSessionChange("s1", true, "")
	require.NoError(t, f.Publish(t.Context(), first))
	require.NoError(t, f.Publish(t.Context(), second))

	// gochannel does not order concurrent publishes, only serializes them
	d := receive(t, ch)

	// Nothing more until the first delivery is acked
	assertNoDelivery(t, ch)

	d.Ack()
	d2 := receive(t, ch)
	d2.Ack()

	got := map[string]SessionChange{d.Change.EventID: d.Change, d2.Change.EventID: d2.Change}
	require.Len(t, got, 2)
	assert.Equal(t, "Renamed", got[first.EventID].Title)
	assert.True(t, got[second.EventID].Finished)
}

func TestWatermillFeed_DropsRedeliveredUUID(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, nil)
	f := NewWatermillFeed(gc, gc, WatermillOptions{})
	defer f.Close()

	ch, err := f.Subscribe(t.Context(), "s1")
	require.NoError(t, err)

	change := NewSessionChange("s1", true, "")
	require.NoError(t, f.Publish(t.Context(), change))
	require.NoError(t, f.Publish(t.Context(), change))

	d := receive(t, ch)
	d.Ack()
	assertNoDelivery(t, ch)
}

func TestWatermillFeed_DiscardsGarbage(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, nil)
	f := NewWatermillFeed(gc, gc, WatermillOptions{})
	defer f.Close()

	ch, err := f.Subscribe(t.Context(), "s1")
	require.NoError(t, err)

	require.NoError(t, gc.Publish(topicFor("s1"), message.NewMessage(uuid.New().String(), []byte("<html>"))))
	good := NewSessionChange("s1", true, "")
	require.NoError(t, f.Publish(t.Context(), good))

	d := receive(t, ch)
	assert.Equal(t, good.EventID, d.Change.EventID)
	d.Ack()
}

func TestWatermillFeed_ClosesOnCancel(t *testing.T) {
	f := NewGoChannelFeed(WatermillOptions{})
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestWatermillFeed_PublishAfterClose(t *testing.T) {
	f := NewGoChannelFeed(WatermillOptions{})
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Publish(t.Context(), NewSessionChange("s1", true, "")), ErrClosed)
	assert.NoError(t, f.Close())
}

func TestRedisFeed_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	f, err := NewRedisFeed(RedisOptions{Addr: addr}, WatermillOptions{})
	require.NoError(t, err)
	defer f.Close()

	sessionID := uuid.New().String()
	ch, err := f.Subscribe(t.Context(), sessionID)
	require.NoError(t, err)

	// Fan-out subscribers start at the stream tail; give the reader a moment
	time.Sleep(200 * time.Millisecond)

	change := NewSessionChange(sessionID, true, "")
	require.NoError(t, f.Publish(t.Context(), change))

	d := receive(t, ch)
	assert.Equal(t, change.EventID, d.Change.EventID)
	d.Ack()
}
