// ABOUTME: Change feed over a watermill Publisher/Subscriber pair
// ABOUTME: Supports the in-process gochannel transport and Redis Streams

package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/consult-gateway/internal/dedupe"
)

const (
	defaultDedupeTTL  = 10 * time.Minute
	dedupeCacheSize   = 10000
	metadataSessionID = "session_id"
)

// WatermillFeed adapts a watermill transport to Feed.
type WatermillFeed struct {
	pub    message.Publisher
	sub    message.Subscriber
	seen   *dedupe.Cache
	logger *slog.Logger
	closer func() error

	mu     sync.Mutex
	closed bool
}

// WatermillOptions configures a WatermillFeed.
type WatermillOptions struct {
	// DedupeTTL bounds how long a delivered message UUID is remembered.
	DedupeTTL time.Duration
	Logger    *slog.Logger
}

// NewWatermillFeed wraps an existing publisher and subscriber.
func NewWatermillFeed(pub message.Publisher, sub message.Subscriber, opts WatermillOptions) *WatermillFeed {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &WatermillFeed{
		pub:    pub,
		sub:    sub,
		seen:   dedupe.New(ttl, dedupeCacheSize),
		logger: logger.With("component", "changefeed"),
	}
}

// NewGoChannelFeed creates an in-process watermill feed.
func NewGoChannelFeed(opts WatermillOptions) *WatermillFeed {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: subscriberBufferSize,
	}, watermill.NewSlogLogger(logger))
	return NewWatermillFeed(ch, ch, opts)
}

// RedisOptions selects the Redis Streams transport.
type RedisOptions struct {
	Addr string
	// ConsumerGroup, when set, load-balances each stream across consumers in
	// the group. Leave empty so every gateway instance sees every change.
	ConsumerGroup string
	Consumer      string
}

// NewRedisFeed creates a feed backed by Redis Streams.
func NewRedisFeed(ro RedisOptions, opts WatermillOptions) (*WatermillFeed, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)

	client := redis.NewClient(&redis.Options{Addr: ro.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("creating redis publisher: %w", err)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: ro.ConsumerGroup,
		Consumer:      ro.Consumer,
	}, wmLogger)
	if err != nil {
		pub.Close()
		client.Close()
		return nil, fmt.Errorf("creating redis subscriber: %w", err)
	}

	f := NewWatermillFeed(pub, sub, opts)
	f.closer = client.Close
	return f, nil
}

// Publish marshals the change to JSON and publishes it on the session topic.
func (f *WatermillFeed) Publish(ctx context.Context, change SessionChange) error {
	if f.isClosed() {
		return ErrClosed
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshaling session change: %w", err)
	}

	id := change.EventID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metadataSessionID, change.SessionID)
	msg.SetContext(ctx)

	if err := f.pub.Publish(topicFor(change.SessionID), msg); err != nil {
		return fmt.Errorf("publishing session change: %w", err)
	}
	return nil
}

// Subscribe starts consuming the session topic. Each message is passed on as
// a Delivery and the next one is not read until it is acked, so a consumer
// sees one change at a time.
func (f *WatermillFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Delivery, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}

	msgs, err := f.sub.Subscribe(ctx, topicFor(sessionID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to session %s: %w", sessionID, err)
	}

	subID := uuid.New().String()
	out := make(chan Delivery)
	go f.forward(ctx, subID, sessionID, msgs, out)
	return out, nil
}

func (f *WatermillFeed) forward(ctx context.Context, subID, sessionID string, msgs <-chan *message.Message, out chan<- Delivery) {
	defer close(out)
	logger := f.logger.With("session_id", sessionID, "sub_id", subID)

	for {
		var msg *message.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}

		// Keyed per subscription so every subscriber gets its own copy once
		if f.seen.CheckAndMark(subID + ":" + msg.UUID) {
			logger.Debug("dropped redelivered change", "message_uuid", msg.UUID)
			msg.Ack()
			continue
		}

		var change SessionChange
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			logger.Warn("discarding undecodable change", "message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if change.SessionID != sessionID {
			msg.Ack()
			continue
		}

		var once sync.Once
		d := Delivery{Change: change, ack: func() { once.Do(func() { msg.Ack() }) }}

		select {
		case out <- d:
		case <-ctx.Done():
			msg.Nack()
			return
		}

		select {
		case <-msg.Acked():
		case <-ctx.Done():
			return
		}
	}
}

func (f *WatermillFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close closes the subscriber, the publisher and any owned client.
func (f *WatermillFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.seen.Close()

	var errs []error
	if err := f.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing subscriber: %w", err))
	}
	// gochannel uses one value for both sides
	if any(f.pub) != any(f.sub) {
		if err := f.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing publisher: %w", err))
		}
	}
	if f.closer != nil {
		if err := f.closer(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Feed = (*Broadcaster)(nil)
	_ Feed = (*WatermillFeed)(nil)
)
