// Package redisfeed provides a store.ChangeFeed over Redis pub/sub.
//
// Redis cannot observe writes to the record store, so the feed is also a
// store.ChangePublisher. Wrap the record store with store.Notify to publish
// every write:
//
//	feed := redisfeed.New(client)
//	records := store.Notify(postgres.New(db), feed, logger)
//
// Each change is published on the channel of both participants, which lets
// several application instances share one Redis.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/educpro/inbox/store"
	"github.com/redis/go-redis/v9"
)

// Compile-time checks
var (
	_ store.ChangeFeed      = (*Feed)(nil)
	_ store.ChangePublisher = (*Feed)(nil)
)

// DefaultPrefix is the channel prefix. The full channel is prefix + userID.
const DefaultPrefix = "inbox:changes:"

// Option configures a Feed.
type Option func(*Feed)

// WithPrefix sets the channel prefix.
func WithPrefix(prefix string) Option {
	return func(f *Feed) {
		if prefix != "" {
			f.prefix = prefix
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// Feed implements store.ChangeFeed and store.ChangePublisher using Redis.
type Feed struct {
	client    redis.UniversalClient
	prefix    string
	logger    *slog.Logger
	connected int32

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New creates a Redis pub/sub feed.
func New(client redis.UniversalClient, opts ...Option) *Feed {
	f := &Feed{
		client: client,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect verifies the Redis connection.
func (f *Feed) Connect(ctx context.Context) error {
	if f.client == nil {
		return fmt.Errorf("redisfeed: client is required")
	}
	if !atomic.CompareAndSwapInt32(&f.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if err := f.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&f.connected, 0)
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes every subscription. The caller owns the Redis client.
func (f *Feed) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.connected, 1, 0) {
		return nil
	}
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.mu.Unlock()

	for sub := range subs {
		_ = sub.close()
	}
	return nil
}

// Channel returns the Redis channel for userID.
func (f *Feed) Channel(userID string) string {
	return f.prefix + userID
}

// Publish sends change to the channels of both participants.
func (f *Feed) Publish(ctx context.Context, change store.Change) error {
	if atomic.LoadInt32(&f.connected) == 0 {
		return store.ErrNotConnected
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	targets := []string{change.SenderID}
	if change.RecipientID != change.SenderID {
		targets = append(targets, change.RecipientID)
	}
	for _, userID := range targets {
		if userID == "" {
			continue
		}
		if err := f.client.Publish(ctx, f.Channel(userID), payload).Err(); err != nil {
			return fmt.Errorf("publish change: %w", err)
		}
	}
	return nil
}

// Subscribe registers handler for changes published on participantID's channel.
// It returns once Redis has confirmed the subscription.
func (f *Feed) Subscribe(ctx context.Context, participantID string, handler store.ChangeHandler) (store.Subscription, error) {
	if atomic.LoadInt32(&f.connected) == 0 {
		return nil, store.ErrNotConnected
	}

	ps := f.client.Subscribe(ctx, f.Channel(participantID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &subscription{feed: f, pubsub: ps, handler: handler, done: make(chan struct{})}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go sub.run(ps.Channel())
	return sub, nil
}

type subscription struct {
	feed    *Feed
	pubsub  *redis.PubSub
	handler store.ChangeHandler
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run(ch <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change store.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.feed.logger.Warn("dropping malformed change", "channel", msg.Channel, "error", err)
				continue
			}
			s.handler(change)
		}
	}
}

func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// Close unsubscribes from Redis.
func (s *subscription) Close() error {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	return s.close()
}
