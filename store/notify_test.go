package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []store.Change
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, c store.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return p.err
}

func (p *recordingPublisher) last(t *testing.T) store.Change {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		t.Fatal("no change published")
	}
	return p.changes[len(p.changes)-1]
}

func newNotifying(t *testing.T) (store.RecordStore, *recordingPublisher) {
	t.Helper()
	mem := memory.New()
	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pub := &recordingPublisher{}
	return store.Notify(mem, pub, nil), pub
}

func TestNotify_Insert(t *testing.T) {
	rs, pub := newNotifying(t)
	msg, err := rs.Insert(context.Background(), store.Message{SenderID: "alice", RecipientID: "bob"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	want := store.Change{Op: store.ChangeInsert, MessageID: msg.ID, SenderID: "alice", RecipientID: "bob"}
	if got := pub.last(t); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestNotify_MarkReadRoutesToSender(t *testing.T) {
	rs, pub := newNotifying(t)
	ctx := context.Background()
	msg, _ := rs.Insert(ctx, store.Message{SenderID: "alice", RecipientID: "bob"})

	if err := rs.MarkRead(ctx, msg.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got := pub.last(t)
	if got.Op != store.ChangeUpdate || !got.Involves("alice") {
		t.Errorf("expected update routed to sender, got %+v", got)
	}
}

func TestNotify_DeleteRoutesToBoth(t *testing.T) {
	rs, pub := newNotifying(t)
	ctx := context.Background()
	msg, _ := rs.Insert(ctx, store.Message{SenderID: "alice", RecipientID: "bob"})

	if err := rs.Delete(ctx, msg.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := pub.last(t)
	if got.Op != store.ChangeDelete || !got.Involves("alice") || !got.Involves("bob") {
		t.Errorf("expected delete routed to both, got %+v", got)
	}
}

func TestNotify_FailedWriteNotPublished(t *testing.T) {
	rs, pub := newNotifying(t)
	if err := rs.Delete(context.Background(), "missing", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(pub.changes) != 0 {
		t.Errorf("expected nothing published, got %+v", pub.changes)
	}
}

func TestNotify_PublishErrorIgnored(t *testing.T) {
	rs, pub := newNotifying(t)
	pub.err = errors.New("broker down")
	if _, err := rs.Insert(context.Background(), store.Message{SenderID: "alice", RecipientID: "bob"}); err != nil {
		t.Errorf("publish failure must not fail the write: %v", err)
	}
}
