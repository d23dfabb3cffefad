// Package memory provides in-memory implementations of the store interfaces
// for testing and single-process deployments. Data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/google/uuid"
)

// Compile-time checks
var _ store.RecordStore = (*Store)(nil)

// Store implements store.RecordStore with in-memory storage.
// Thread-safe for concurrent use.
//
// Every successful write is announced on the store's Feed.
type Store struct {
	messages  sync.Map // map[string]*entry
	msgLocks  sync.Map // map[string]*sync.Mutex (per-message locks for mutations)
	seq       uint64
	connected int32
	feed      *Feed
	now       func() time.Time
}

// entry is a stored message plus its insertion sequence, used to keep a
// stable newest-first order when timestamps collide.
type entry struct {
	msg store.Message
	seq uint64
}

// Option configures a memory store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		feed: newFeed(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed returns the change feed fed by this store's writes.
func (s *Store) Feed() *Feed {
	return s.feed
}

// getMsgLock returns the mutex for a message ID, creating one if needed.
func (s *Store) getMsgLock(id string) *sync.Mutex {
	lock, _ := s.msgLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// Find returns every message involving participantID, newest first.
func (s *Store) Find(_ context.Context, participantID string) ([]store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	var entries []*entry
	s.messages.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.msg.Involves(participantID) {
			entries = append(entries, e)
		}
		return true
	})

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.After(b.msg.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]store.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg.Clone()
	}
	return out, nil
}

// Get returns a message involving participantID.
func (s *Store) Get(_ context.Context, id, participantID string) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}
	if id == "" {
		return store.Message{}, store.ErrInvalidID
	}

	v, ok := s.messages.Load(id)
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	e := v.(*entry)
	if !e.msg.Involves(participantID) {
		return store.Message{}, store.ErrNotFound
	}
	return e.msg.Clone(), nil
}

// Insert stores a new message with a generated ID.
func (s *Store) Insert(_ context.Context, msg store.Message) (store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return store.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return store.Message{}, err
	}

	m := msg.Clone()
	m.ID = uuid.New().String()
	m.IsRead = false
	m.CreatedAt = s.now().UTC()
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}

	s.messages.Store(m.ID, &entry{msg: m, seq: atomic.AddUint64(&s.seq, 1)})
	s.feed.publish(store.ChangeFor(store.ChangeInsert, m))

	return m.Clone(), nil
}

// MarkRead sets the read flag if recipientID is the recipient.
// Uses per-message locking to prevent concurrent mutation races.
func (s *Store) MarkRead(_ context.Context, id, recipientID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	lock := s.getMsgLock(id)
	lock.Lock()
	defer lock.Unlock()

	v, ok := s.messages.Load(id)
	if !ok {
		return store.ErrNotFound
	}
	orig := v.(*entry)
	if orig.msg.RecipientID != recipientID {
		return store.ErrNotFound
	}

	// Copy-on-write
	updated := &entry{msg: orig.msg.Clone(), seq: orig.seq}
	updated.msg.IsRead = true
	s.messages.Store(id, updated)
	s.feed.publish(store.ChangeFor(store.ChangeUpdate, updated.msg))

	return nil
}

// Delete permanently removes a message involving participantID.
func (s *Store) Delete(_ context.Context, id, participantID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	lock := s.getMsgLock(id)
	lock.Lock()
	defer lock.Unlock()

	v, ok := s.messages.Load(id)
	if !ok {
		return store.ErrNotFound
	}
	e := v.(*entry)
	if !e.msg.Involves(participantID) {
		return store.ErrNotFound
	}

	s.messages.Delete(id)
	s.msgLocks.Delete(id)
	s.feed.publish(store.ChangeFor(store.ChangeDelete, e.msg))

	return nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	n := 0
	s.messages.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
