package redisfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
	"github.com/redis/go-redis/v9"
)

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := New(client)
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { f.Close(context.Background()) })
	return f
}

func memoryRecords(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect records: %v", err)
	}
	return s
}

func subscribe(t *testing.T, f *Feed, userID string) (<-chan store.Change, store.Subscription) {
	t.Helper()
	ch := make(chan store.Change, 4)
	sub, err := f.Subscribe(context.Background(), userID, func(c store.Change) { ch <- c })
	if err != nil {
		t.Fatalf("subscribe %s: %v", userID, err)
	}
	return ch, sub
}

func TestFeed_PublishReachesBothParticipants(t *testing.T) {
	f := newTestFeed(t)
	aliceCh, _ := subscribe(t, f, "alice")
	bobCh, _ := subscribe(t, f, "bob")
	carolCh, _ := subscribe(t, f, "carol")

	change := store.Change{Op: store.ChangeInsert, MessageID: "m1", SenderID: "alice", RecipientID: "bob"}
	if err := f.Publish(context.Background(), change); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan store.Change{"alice": aliceCh, "bob": bobCh} {
		select {
		case got := <-ch:
			if got != change {
				t.Errorf("%s received %+v, want %+v", name, got, change)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not receive change", name)
		}
	}

	select {
	case got := <-carolCh:
		t.Errorf("carol received unrelated change %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeed_SelfMessagePublishedOnce(t *testing.T) {
	f := newTestFeed(t)
	ch, _ := subscribe(t, f, "alice")

	change := store.Change{Op: store.ChangeInsert, MessageID: "m1", SenderID: "alice", RecipientID: "alice"}
	if err := f.Publish(context.Background(), change); err != nil {
		t.Fatalf("publish: %v", err)
	}

	<-ch
	select {
	case got := <-ch:
		t.Errorf("received duplicate %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeed_SubscriptionClose(t *testing.T) {
	f := newTestFeed(t)
	ch, sub := subscribe(t, f, "alice")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_ = f.Publish(context.Background(), store.Change{Op: store.ChangeDelete, MessageID: "m1", SenderID: "alice", RecipientID: "bob"})
	select {
	case got := <-ch:
		t.Errorf("received change after close: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeed_NotifyDecorator(t *testing.T) {
	f := newTestFeed(t)
	bobCh, _ := subscribe(t, f, "bob")

	mem := memoryRecords(t)
	records := store.Notify(mem, f, nil)

	msg, err := records.Insert(context.Background(), store.Message{SenderID: "alice", RecipientID: "bob"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case got := <-bobCh:
		if got.Op != store.ChangeInsert || got.MessageID != msg.ID {
			t.Errorf("unexpected change %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive insert")
	}
}

func TestFeed_NotConnected(t *testing.T) {
	f := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	if _, err := f.Subscribe(context.Background(), "alice", func(store.Change) {}); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := f.Publish(context.Background(), store.Change{}); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
