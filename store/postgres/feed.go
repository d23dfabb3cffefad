package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
	"github.com/lib/pq"
)

// Compile-time check
var _ store.ChangeFeed = (*Feed)(nil)

// Feed implements store.ChangeFeed on PostgreSQL LISTEN/NOTIFY. It relies on
// the row trigger installed by Store.Connect. One listener connection is
// shared by every subscription in the process.
type Feed struct {
	dsn       string
	opts      *feedOptions
	logger    *slog.Logger
	fanout    *memory.Feed
	listener  *pq.Listener
	connected int32
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewFeed creates a LISTEN/NOTIFY feed for the database at dsn.
func NewFeed(dsn string, opts ...FeedOption) *Feed {
	o := &feedOptions{
		table:                DefaultTable,
		logger:               slog.Default(),
		minReconnectInterval: DefaultMinReconnectInterval,
		maxReconnectInterval: DefaultMaxReconnectInterval,
		pingInterval:         DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Feed{
		dsn:    dsn,
		opts:   o,
		logger: o.logger,
		fanout: memory.NewFeed(),
	}
}

// Connect opens the listener connection and starts dispatching.
func (f *Feed) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	channel := channelName(f.opts.table)
	f.listener = pq.NewListener(f.dsn, f.opts.minReconnectInterval, f.opts.maxReconnectInterval, f.onListenerEvent)
	if err := f.listener.Listen(channel); err != nil {
		_ = f.listener.Close()
		atomic.StoreInt32(&f.connected, 0)
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	if err := f.fanout.Connect(ctx); err != nil {
		_ = f.listener.Close()
		atomic.StoreInt32(&f.connected, 0)
		return err
	}

	f.stop = make(chan struct{})
	f.wg.Add(1)
	go f.dispatch()

	f.logger.Info("listening for message changes", "channel", channel)
	return nil
}

// Close stops the listener and every subscription.
func (f *Feed) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.connected, 1, 0) {
		return nil
	}
	close(f.stop)
	err := f.listener.Close()
	f.wg.Wait()
	if ferr := f.fanout.Close(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// Subscribe registers handler for changes involving participantID.
func (f *Feed) Subscribe(ctx context.Context, participantID string, handler store.ChangeHandler) (store.Subscription, error) {
	if atomic.LoadInt32(&f.connected) == 0 {
		return nil, store.ErrNotConnected
	}
	return f.fanout.Subscribe(ctx, participantID, handler)
}

func (f *Feed) dispatch() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// The connection was re-established and notifications sent
				// in the meantime are lost. Every view must resync.
				f.fanout.Broadcast(store.Change{Op: store.ChangeUpdate})
				continue
			}
			change, err := parsePayload(n.Extra)
			if err != nil {
				f.logger.Warn("dropping malformed change notification", "error", err, "payload", n.Extra)
				continue
			}
			_ = f.fanout.Publish(context.Background(), change)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (f *Feed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		f.logger.Warn("change listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		f.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("change listener reconnect failed", "error", err)
	}
}

// parsePayload decodes the JSON document produced by the notify trigger.
func parsePayload(payload string) (store.Change, error) {
	var c store.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return store.Change{}, fmt.Errorf("decode payload: %w", err)
	}
	if c.MessageID == "" {
		return store.Change{}, fmt.Errorf("decode payload: missing message_id")
	}
	switch c.Op {
	case store.ChangeInsert, store.ChangeUpdate, store.ChangeDelete:
	default:
		return store.Change{}, fmt.Errorf("decode payload: unknown op %q", c.Op)
	}
	return c, nil
}
