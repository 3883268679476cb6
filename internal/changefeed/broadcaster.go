// ABOUTME: In-memory fan-out change feed for single-instance deployments
// ABOUTME: Publishes SessionChanges to all subscribers of one session ID

package changefeed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster is an in-process Feed. Publish never blocks; a change is dropped
// for any subscriber whose buffer is full.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Delivery // sessionID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Delivery),
		logger:      logger.With("component", "changefeed"),
	}
}

// Subscribe registers a subscriber for changes to sessionID. The subscription
// is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Delivery, error) {
	subID := uuid.New().String()
	ch := make(chan Delivery, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan Delivery)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.unsubscribe(sessionID, subID)
	}()

	return ch, nil
}

// Publish sends a change to all subscribers of change.SessionID.
func (b *Broadcaster) Publish(ctx context.Context, change SessionChange) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe
	// from closing a channel mid-send.
	for subID, ch := range b.subscribers[change.SessionID] {
		select {
		case ch <- Delivery{Change: change}:
		default:
			b.logger.Warn("dropped change for slow subscriber",
				"session_id", change.SessionID,
				"sub_id", subID,
				"event_id", change.EventID)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for sessionID.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

func (b *Broadcaster) unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close closes all subscriber channels. Later Publish and Subscribe calls
// return ErrClosed.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("change feed closed")
	return nil
}
