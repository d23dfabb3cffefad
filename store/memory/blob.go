package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/educpro/inbox/store"
)

// Compile-time check
var _ store.BlobStore = (*BlobStore)(nil)

// BlobStore implements store.BlobStore in memory.
type BlobStore struct {
	bucket  string
	baseURL string
	mu      sync.RWMutex
	objects map[string]Object
	putHook func(key string) error
}

// Object is a stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobOption configures a memory blob store.
type BlobOption func(*BlobStore)

// WithBaseURL sets the prefix used by PublicURL.
// Default is "memory://<bucket>".
func WithBaseURL(u string) BlobOption {
	return func(b *BlobStore) {
		if u != "" {
			b.baseURL = u
		}
	}
}

// WithPutHook installs a hook consulted before every Put. A non-nil
// error fails the Put without storing anything. Useful for fault injection.
func WithPutHook(fn func(key string) error) BlobOption {
	return func(b *BlobStore) {
		b.putHook = fn
	}
}

// NewBlobStore creates an in-memory blob store for bucket.
func NewBlobStore(bucket string, opts ...BlobOption) *BlobStore {
	b := &BlobStore{
		bucket:  bucket,
		baseURL: "memory://" + bucket,
		objects: make(map[string]Object),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Put stores content under key.
func (b *BlobStore) Put(ctx context.Context, key, contentType string, content io.Reader) error {
	if key == "" {
		return fmt.Errorf("memory blob: empty key")
	}
	if b.putHook != nil {
		if err := b.putHook(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.objects[key] = Object{ContentType: contentType, Data: data}
	b.mu.Unlock()
	return nil
}

// PublicURL returns baseURL/key.
func (b *BlobStore) PublicURL(key string) string {
	return b.baseURL + "/" + key
}

// Delete removes key. Returns store.ErrBlobNotFound if absent.
func (b *BlobStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return store.ErrBlobNotFound
	}
	delete(b.objects, key)
	return nil
}

// Bucket returns the bucket name.
func (b *BlobStore) Bucket() string {
	return b.bucket
}

// Get returns the object stored under key.
func (b *BlobStore) Get(key string) (Object, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return Object{}, false
	}
	return Object{ContentType: obj.ContentType, Data: bytes.Clone(obj.Data)}, true
}

// Len returns the number of stored objects.
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
