package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
	"github.com/rbaliyan/event/v3/transport/channel"
)

// noticeRecorder collects notices for assertions.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Report(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// count returns how many notices match op and level.
func (r *noticeRecorder) count(op string, level NoticeLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, no := range r.notices {
		if no.Op == op && no.Level == level {
			n++
		}
	}
	return n
}

// countingStore counts calls that reach the wrapped store and can fail Find.
type countingStore struct {
	store.RecordStore
	finds     atomic.Int32
	inserts   atomic.Int32
	markReads atomic.Int32
	deletes   atomic.Int32
	failFind  atomic.Bool
}

var errFindUnavailable = errors.New("find unavailable")

func (c *countingStore) Find(ctx context.Context, participantID string) ([]store.Message, error) {
	c.finds.Add(1)
	if c.failFind.Load() {
		return nil, errFindUnavailable
	}
	return c.RecordStore.Find(ctx, participantID)
}

func (c *countingStore) Insert(ctx context.Context, msg store.Message) (store.Message, error) {
	c.inserts.Add(1)
	return c.RecordStore.Insert(ctx, msg)
}

func (c *countingStore) MarkRead(ctx context.Context, id, recipientID string) error {
	c.markReads.Add(1)
	return c.RecordStore.MarkRead(ctx, id, recipientID)
}

func (c *countingStore) Delete(ctx context.Context, id, participantID string) error {
	c.deletes.Add(1)
	return c.RecordStore.Delete(ctx, id, participantID)
}

// steppingClock returns a clock that advances one second per call, so
// inserts get distinct, increasing timestamps.
func steppingClock() func() time.Time {
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type testEnv struct {
	svc     *Service
	records *memory.Store
	counted *countingStore
	blobs   *memory.BlobStore
	notices *noticeRecorder
}

// setupTestService connects a service over memory stores with a change feed,
// an attachment uploader and a channel event transport.
func setupTestService(t *testing.T, blobOpts []memory.BlobOption, opts ...Option) *testEnv {
	t.Helper()

	records := memory.New(memory.WithClock(steppingClock()))
	counted := &countingStore{RecordStore: records}
	blobs := memory.NewBlobStore("message-attachments", blobOpts...)
	notices := &noticeRecorder{}

	base := []Option{
		WithStore(counted),
		WithChangeFeed(records.Feed()),
		WithAttachmentUploader(NewUploader(blobs, WithUploadReporter(notices))),
		WithReporter(notices),
		WithEventTransport(channel.New()),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &testEnv{svc: svc, records: records, counted: counted, blobs: blobs, notices: notices}
}

// seed inserts a message directly into the store.
func (e *testEnv) seed(t *testing.T, from, to, subject string) store.Message {
	t.Helper()
	m, err := e.records.Insert(context.Background(), store.Message{
		SenderID:    from,
		RecipientID: to,
		Subject:     subject,
		Content:     "content of " + subject,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

// begin starts a session for userID and ends it at cleanup.
func (e *testEnv) begin(t *testing.T, userID string, opts ...SyncOption) *Sync {
	t.Helper()
	s := e.svc.NewSync(opts...)
	if err := s.Begin(context.Background(), Session{UserID: userID}); err != nil {
		t.Fatalf("begin %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = s.End() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("creates service with store", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
		if svc.Events() != nil {
			t.Error("expected nil events before Connect")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	records := memory.New()
	svc, err := NewService(WithStore(records), WithChangeFeed(records.Feed()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected service")
	}
	if svc.Events() == nil {
		t.Error("expected events after Connect")
	}

	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if svc.IsConnected() {
		t.Error("expected disconnected service")
	}

	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}
}

func TestService_BeginBeforeConnect(t *testing.T) {
	svc, err := NewService(WithStore(memory.New()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := svc.NewSync()
	if err := s.Begin(context.Background(), Session{UserID: "u1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized, got %v", s.State())
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	s := env.begin(t, "teacher-1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Send(ctx, SendRequest{RecipientID: "parent-1", Subject: "During shutdown", Content: "Body"})
		}()
	}

	time.Sleep(10 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.svc.Close(closeCtx); err != nil {
		t.Errorf("close returned error: %v", err)
	}

	wg.Wait()
}

// avatarDirectory records SetAvatar calls.
type avatarDirectory struct {
	mu      sync.Mutex
	avatars map[string]string
}

func (d *avatarDirectory) Lookup(_ context.Context, ids []string) (map[string]Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Participant)
	for _, id := range ids {
		if url, ok := d.avatars[id]; ok {
			out[id] = Participant{ID: id, Name: strings.ToUpper(id), AvatarURL: url}
		}
	}
	return out, nil
}

func (d *avatarDirectory) SetAvatar(_ context.Context, userID, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avatars[userID] = url
	return nil
}

func TestService_UploadAvatar(t *testing.T) {
	ctx := context.Background()
	avatars := memory.NewBlobStore("avatars")
	dir := &avatarDirectory{avatars: map[string]string{}}

	env := setupTestService(t, nil,
		WithAvatarUploader(NewUploader(avatars, WithAllowedTypes("image/"), WithMaxSize(1<<20))),
		WithDirectory(dir),
	)

	t.Run("stores avatar and updates profile", func(t *testing.T) {
		url, err := env.svc.UploadAvatar(ctx, Session{UserID: "s1"}, File{
			Name:        "me.png",
			ContentType: "image/png",
			Size:        4,
			Body:        strings.NewReader("\x89PNG"),
		})
		if err != nil {
			t.Fatalf("upload avatar: %v", err)
		}
		if !strings.HasPrefix(url, "memory://avatars/s1/") || !strings.HasSuffix(url, ".png") {
			t.Errorf("unexpected url %q", url)
		}
		if dir.avatars["s1"] != url {
			t.Errorf("expected profile avatar %q, got %q", url, dir.avatars["s1"])
		}
		if avatars.Len() != 1 {
			t.Errorf("expected 1 stored avatar, got %d", avatars.Len())
		}
	})

	t.Run("rejects non-image", func(t *testing.T) {
		_, err := env.svc.UploadAvatar(ctx, Session{UserID: "s1"}, File{
			Name:        "notes.pdf",
			ContentType: "application/pdf",
			Size:        10,
			Body:        strings.NewReader("%PDF-1.7\n"),
		})
		if !errors.Is(err, ErrTypeNotAllowed) {
			t.Errorf("expected ErrTypeNotAllowed, got %v", err)
		}
	})

	t.Run("requires uploader", func(t *testing.T) {
		bare := setupTestService(t, nil)
		_, err := bare.svc.UploadAvatar(ctx, Session{UserID: "s1"}, File{Name: "a.png", ContentType: "image/png"})
		if !errors.Is(err, ErrUploaderNotConfigured) {
			t.Errorf("expected ErrUploaderNotConfigured, got %v", err)
		}
	})
}
