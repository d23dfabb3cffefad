// Package store provides the storage interfaces used by the inbox.
// Implementations are in store/memory, store/postgres, store/mongo,
// store/redisfeed (change feed only) and store/blob/* (blob stores only).
//
// Three collaborators are modelled here:
//
//   - RecordStore holds message rows. Every read and write is scoped by a
//     participant predicate so callers never see rows they are not party to.
//   - ChangeFeed delivers a signal whenever a row involving a participant is
//     inserted, updated or deleted. The payload identifies the row but
//     consumers are expected to treat it as an invalidation only.
//   - BlobStore holds uploaded bytes under a key inside one bucket and
//     resolves a public URL for a key.
//
// All operations must be safe for concurrent use. Writes rely on single-row
// atomicity of the backend; there is no cross-row transaction and no
// distributed locking.
package store

import (
	"context"
	"io"
)

// RecordStore is the storage interface for message rows.
type RecordStore interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Find returns every message where participantID is the sender or the
	// recipient, newest first.
	Find(ctx context.Context, participantID string) ([]Message, error)

	// Get returns a single message if participantID is its sender or
	// recipient. Returns ErrNotFound otherwise.
	Get(ctx context.Context, id, participantID string) (Message, error)

	// Insert creates a new message. ID and CreatedAt are assigned by the
	// store and the stored copy is returned.
	Insert(ctx context.Context, msg Message) (Message, error)

	// MarkRead sets the read flag of the message if recipientID is its
	// recipient. Returns ErrNotFound if no such row exists.
	MarkRead(ctx context.Context, id, recipientID string) error

	// Delete permanently removes the message if participantID is its sender
	// or recipient. Returns ErrNotFound if no such row exists.
	Delete(ctx context.Context, id, participantID string) error
}

// ChangeFeed delivers row-level change notifications scoped to a participant.
type ChangeFeed interface {
	// Connect prepares the feed. Feeds backed by the record store's own
	// connection may treat this as a no-op.
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Subscribe registers handler for changes where participantID is the
	// sender or the recipient. The handler is called from a feed-owned
	// goroutine and must not block for long.
	Subscribe(ctx context.Context, participantID string, handler ChangeHandler) (Subscription, error)
}

// ChangePublisher announces changes to subscribers of a ChangeFeed.
// Feeds whose backend cannot observe writes directly (pub/sub transports)
// implement it, and Notify wires it to a RecordStore.
type ChangePublisher interface {
	Publish(ctx context.Context, change Change) error
}

// ChangeHandler receives a change notification.
type ChangeHandler func(change Change)

// Subscription is an active change feed registration.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// BlobStore holds uploaded files in a single bucket.
type BlobStore interface {
	// Put writes content under key, replacing any existing object.
	Put(ctx context.Context, key, contentType string, content io.Reader) error

	// PublicURL resolves the retrievable URL for key. It does not check
	// that the object exists.
	PublicURL(key string) string

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// Bucket returns the bucket name.
	Bucket() string
}
