package memory

import (
	"context"
	"sync"

	"github.com/educpro/inbox/store"
)

// Compile-time checks
var (
	_ store.ChangeFeed      = (*Feed)(nil)
	_ store.ChangePublisher = (*Feed)(nil)
)

// subscriptionBuffer bounds pending notifications per subscriber. Changes
// are invalidation signals, so a full buffer drops the new signal: one is
// already queued and will trigger the same resync.
const subscriptionBuffer = 16

// Feed is an in-process change feed. A Store publishes to its own Feed;
// a standalone Feed (NewFeed) can be combined with store.Notify to fan out
// writes of any RecordStore within one process.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewFeed creates a standalone in-process feed.
func NewFeed() *Feed {
	return newFeed()
}

func newFeed() *Feed {
	return &Feed{subs: make(map[*subscription]struct{})}
}

// Connect is a no-op; the feed is ready on creation.
func (f *Feed) Connect(_ context.Context) error {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
	return nil
}

// Close stops every active subscription.
func (f *Feed) Close(_ context.Context) error {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.closed = true
	f.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	return nil
}

// Subscribe registers handler for changes involving participantID.
func (f *Feed) Subscribe(_ context.Context, participantID string, handler store.ChangeHandler) (store.Subscription, error) {
	sub := &subscription{
		feed:          f,
		participantID: participantID,
		handler:       handler,
		events:        make(chan store.Change, subscriptionBuffer),
		done:          make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, store.ErrSubscriptionClosed
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Publish delivers change to every subscriber it involves.
func (f *Feed) Publish(_ context.Context, change store.Change) error {
	f.publish(change)
	return nil
}

// Broadcast delivers change to every subscriber regardless of participant.
// Used when changes may have been missed and every view must resync.
func (f *Feed) Broadcast(change store.Change) {
	f.deliver(change, true)
}

func (f *Feed) publish(change store.Change) {
	f.deliver(change, false)
}

func (f *Feed) deliver(change store.Change, all bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		if !all && !change.Involves(sub.participantID) {
			continue
		}
		select {
		case sub.events <- change:
		default:
		}
	}
}

func (f *Feed) remove(sub *subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

type subscription struct {
	feed          *Feed
	participantID string
	handler       store.ChangeHandler
	events        chan store.Change
	done          chan struct{}
	once          sync.Once
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case change := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(change)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Close removes the subscription from the feed.
func (s *subscription) Close() error {
	s.feed.remove(s)
	s.stop()
	return nil
}
