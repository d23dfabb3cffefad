package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/educpro/inbox/store/memory"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateLoading, "loading"},
		{StateReady, "ready"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestSync_BeginFetchesScopedNewestFirst(t *testing.T) {
	env := setupTestService(t, nil)

	first := env.seed(t, "teacher-1", "parent-1", "first")
	env.seed(t, "teacher-2", "parent-2", "unrelated")
	second := env.seed(t, "parent-1", "teacher-1", "second")

	s := env.begin(t, "parent-1")

	if s.State() != StateReady {
		t.Fatalf("expected ready, got %v", s.State())
	}
	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != second.ID || msgs[1].ID != first.ID {
		t.Errorf("expected newest first, got %q then %q", msgs[0].Subject, msgs[1].Subject)
	}
	for _, m := range msgs {
		if !m.Involves("parent-1") {
			t.Errorf("message %s does not involve parent-1", m.ID)
		}
	}
}

func TestSync_InvalidSession(t *testing.T) {
	env := setupTestService(t, nil)
	s := env.svc.NewSync()

	for _, id := range []string{"", "has space", "a:b", "a/b"} {
		if err := s.Begin(context.Background(), Session{UserID: id}); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Begin(%q): expected ErrInvalidSession, got %v", id, err)
		}
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized, got %v", s.State())
	}
}

func TestSync_OperationsWithoutSession(t *testing.T) {
	env := setupTestService(t, nil)
	s := env.svc.NewSync()
	ctx := context.Background()

	if _, err := s.Fetch(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Fetch: expected ErrNoSession, got %v", err)
	}
	if _, err := s.Send(ctx, SendRequest{RecipientID: "x", Subject: "s", Content: "c"}); !errors.Is(err, ErrNoSession) {
		t.Errorf("Send: expected ErrNoSession, got %v", err)
	}
	if err := s.MarkRead(ctx, "id"); !errors.Is(err, ErrNoSession) {
		t.Errorf("MarkRead: expected ErrNoSession, got %v", err)
	}
	if err := s.Delete(ctx, "id"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Delete: expected ErrNoSession, got %v", err)
	}
	if err := s.End(); err != nil {
		t.Errorf("End without session should be a no-op, got %v", err)
	}
}

func TestSync_SendThenFetch(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)

	teacher := env.begin(t, "teacher-1")
	parent := env.begin(t, "parent-1")

	res, err := teacher.Send(ctx, SendRequest{
		RecipientID: "parent-1",
		Subject:     "Field trip",
		Content:     "Permission slips are due Friday.",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	m := res.Message
	if m.ID == "" || m.IsRead || m.Attachments != nil {
		t.Errorf("unexpected stored message: %+v", m.Message)
	}
	if m.SenderID != "teacher-1" || m.RecipientID != "parent-1" {
		t.Errorf("unexpected participants: %s -> %s", m.SenderID, m.RecipientID)
	}

	msgs := teacher.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected sent message at the top of the sender view, got %v", msgs)
	}

	waitFor(t, "recipient view to receive the message", func() bool {
		_, ok := parent.Get(m.ID)
		return ok
	})
	if parent.UnreadCount() != 1 {
		t.Errorf("expected recipient unread count 1, got %d", parent.UnreadCount())
	}
	if teacher.UnreadCount() != 0 {
		t.Errorf("expected sender unread count 0, got %d", teacher.UnreadCount())
	}
	if env.notices.count("send", NoticeSuccess) != 1 {
		t.Errorf("expected one send success notice")
	}
}

func TestSync_SendValidation(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	s := env.begin(t, "teacher-1")

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"missing recipient", SendRequest{Subject: "s", Content: "c"}, ErrInvalidRecipient},
		{"blank subject", SendRequest{RecipientID: "p1", Subject: "  ", Content: "c"}, ErrEmptySubject},
		{"blank content", SendRequest{RecipientID: "p1", Subject: "s", Content: "\n"}, ErrEmptyContent},
		{"long subject", SendRequest{RecipientID: "p1", Subject: strings.Repeat("x", DefaultMaxSubjectLength+1), Content: "c"}, ErrSubjectTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsValidationError(err) {
				t.Errorf("expected a validation error, got %T", err)
			}
		})
	}

	if n := env.counted.inserts.Load(); n != 0 {
		t.Errorf("expected no inserts, got %d", n)
	}
	if len(s.Messages()) != 0 {
		t.Error("expected view unchanged")
	}
}

func TestSync_SendPartialAttachments(t *testing.T) {
	ctx := context.Background()
	failing := memory.WithPutHook(func(key string) error {
		if strings.HasSuffix(key, ".fail") {
			return errors.New("bucket unavailable")
		}
		return nil
	})
	env := setupTestService(t, []memory.BlobOption{failing})
	s := env.begin(t, "teacher-1")

	res, err := s.Send(ctx, SendRequest{
		RecipientID: "parent-1",
		Subject:     "Report card",
		Content:     "Attached.",
		Attachments: []File{
			{Name: "report.pdf", ContentType: "application/pdf", Size: 9, Body: strings.NewReader("%PDF-1.7\n")},
			{Name: "scan.fail", ContentType: "image/png", Size: 4, Body: strings.NewReader("\x89PNG")},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(res.Attachments) != 2 {
		t.Fatalf("expected 2 attachment results, got %d", len(res.Attachments))
	}
	if res.Attachments[0].Err != nil || res.Attachments[0].URL == "" {
		t.Errorf("expected first attachment to succeed: %+v", res.Attachments[0])
	}
	if res.Attachments[1].Err == nil {
		t.Error("expected second attachment to fail")
	}

	got := res.Message.Attachments
	if len(got) != 1 || got[0] != res.Attachments[0].URL {
		t.Errorf("expected only the successful URL attached, got %v", got)
	}
	if env.blobs.Len() != 1 {
		t.Errorf("expected 1 stored blob, got %d", env.blobs.Len())
	}
	if env.notices.count("upload", NoticeError) != 1 {
		t.Error("expected the failed upload to be reported")
	}
}

func TestSync_SendRequireAllAttachments(t *testing.T) {
	ctx := context.Background()
	failing := memory.WithPutHook(func(key string) error {
		if strings.HasSuffix(key, ".fail") {
			return errors.New("bucket unavailable")
		}
		return nil
	})
	env := setupTestService(t, []memory.BlobOption{failing})
	s := env.begin(t, "teacher-1", WithSendPolicy(RequireAllAttachments))

	res, err := s.Send(ctx, SendRequest{
		RecipientID: "parent-1",
		Subject:     "Report card",
		Content:     "Attached.",
		Attachments: []File{
			{Name: "report.pdf", ContentType: "application/pdf", Size: 9, Body: strings.NewReader("%PDF-1.7\n")},
			{Name: "scan.fail", ContentType: "image/png", Size: 4, Body: strings.NewReader("\x89PNG")},
		},
	})
	if !errors.Is(err, ErrAttachmentsFailed) {
		t.Fatalf("expected ErrAttachmentsFailed, got %v", err)
	}
	var ae *AttachmentError
	if !errors.As(err, &ae) || len(ae.Failed()) != 1 || ae.Failed()[0].Index != 1 {
		t.Errorf("expected one failed attachment at index 1, got %v", err)
	}
	if res == nil || len(res.Attachments) != 2 {
		t.Error("expected per-attachment results with the error")
	}
	if env.records.Len() != 0 {
		t.Errorf("expected nothing inserted, got %d rows", env.records.Len())
	}
	if len(s.Messages()) != 0 {
		t.Error("expected view unchanged")
	}
}

func TestSync_SendAttachmentsWithoutUploader(t *testing.T) {
	ctx := context.Background()
	records := memory.New()
	notices := &noticeRecorder{}
	svc, err := NewService(WithStore(records), WithReporter(notices))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer svc.Close(ctx)

	s := svc.NewSync()
	if err := s.Begin(ctx, Session{UserID: "teacher-1"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = s.Send(ctx, SendRequest{
		RecipientID: "parent-1", Subject: "s", Content: "c",
		Attachments: []File{{Name: "a.pdf", ContentType: "application/pdf"}},
	})
	if !errors.Is(err, ErrUploaderNotConfigured) {
		t.Errorf("expected ErrUploaderNotConfigured, got %v", err)
	}
	if got := notices.count("send", NoticeError); got != 1 {
		t.Errorf("expected 1 send error notice, got %d", got)
	}
}

func TestSync_SendAfterServiceClosed(t *testing.T) {
	ctx := context.Background()
	records := memory.New()
	notices := &noticeRecorder{}
	svc, err := NewService(WithStore(records), WithReporter(notices))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s := svc.NewSync()
	if err := s.Begin(ctx, Session{UserID: "teacher-1"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer s.End()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = s.Send(ctx, SendRequest{RecipientID: "parent-1", Subject: "s", Content: "c"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if got := notices.count("send", NoticeError); got != 1 {
		t.Errorf("expected 1 send error notice, got %d", got)
	}
	if records.Len() != 0 {
		t.Errorf("expected nothing inserted, got %d", records.Len())
	}
}

func TestSync_MarkRead(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	msg := env.seed(t, "teacher-1", "parent-1", "Conference")

	parent := env.begin(t, "parent-1")
	teacher := env.begin(t, "teacher-1")

	t.Run("sender is rejected without a store call", func(t *testing.T) {
		err := teacher.MarkRead(ctx, msg.ID)
		if !errors.Is(err, ErrNotRecipient) || !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrNotRecipient, got %v", err)
		}
		if n := env.counted.markReads.Load(); n != 0 {
			t.Errorf("expected no store call, got %d", n)
		}
		if env.notices.count("mark_read", NoticeError) != 1 {
			t.Error("expected the rejection to be reported")
		}
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		if err := parent.MarkRead(ctx, "not-in-view"); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if n := env.counted.markReads.Load(); n != 0 {
			t.Errorf("expected no store call, got %d", n)
		}
	})

	t.Run("recipient marks read once", func(t *testing.T) {
		if err := parent.MarkRead(ctx, msg.ID); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		m, ok := parent.Get(msg.ID)
		if !ok || !m.IsRead {
			t.Fatal("expected local row patched to read")
		}
		if parent.UnreadCount() != 0 {
			t.Errorf("expected unread 0, got %d", parent.UnreadCount())
		}

		if err := parent.MarkRead(ctx, msg.ID); err != nil {
			t.Fatalf("second mark read: %v", err)
		}
		if n := env.counted.markReads.Load(); n != 1 {
			t.Errorf("expected exactly one store call, got %d", n)
		}

		stored, err := env.records.Get(ctx, msg.ID, "parent-1")
		if err != nil || !stored.IsRead {
			t.Errorf("expected stored row read, got %+v, %v", stored, err)
		}
	})
}

func TestSync_Delete(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	a := env.seed(t, "teacher-1", "parent-1", "a")
	b := env.seed(t, "teacher-1", "parent-1", "b")
	c := env.seed(t, "teacher-1", "parent-1", "c")

	parent := env.begin(t, "parent-1")

	if err := parent.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	msgs := parent.Messages()
	if len(msgs) != 2 || msgs[0].ID != c.ID || msgs[1].ID != a.ID {
		t.Errorf("expected [c a] after delete, got %v", msgs)
	}
	if _, err := env.records.Get(ctx, b.ID, "teacher-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row gone for both participants, got %v", err)
	}

	t.Run("outsider cannot delete", func(t *testing.T) {
		outsider := env.begin(t, "student-9")
		err := outsider.Delete(ctx, a.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if env.notices.count("delete", NoticeError) != 1 {
			t.Error("expected the failure to be reported")
		}
		waitFor(t, "view to settle", func() bool { return len(parent.Messages()) == 2 })
	})
}

func TestSync_FetchFailureKeepsView(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	env.seed(t, "teacher-1", "parent-1", "kept")
	s := env.begin(t, "parent-1")

	env.counted.failFind.Store(true)
	_, err := s.Fetch(ctx)
	if !errors.Is(err, errFindUnavailable) {
		t.Fatalf("expected find error, got %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("expected ready after failure, got %v", s.State())
	}
	if len(s.Messages()) != 1 {
		t.Errorf("expected previous view kept, got %d messages", len(s.Messages()))
	}
	if env.notices.count("fetch", NoticeError) != 1 {
		t.Error("expected the failure to be reported")
	}
}

func TestSync_FeedTriggersRefetch(t *testing.T) {
	env := setupTestService(t, nil)
	s := env.begin(t, "parent-1")

	m := env.seed(t, "teacher-1", "parent-1", "from another device")

	waitFor(t, "change notification to refetch", func() bool {
		_, ok := s.Get(m.ID)
		return ok
	})
}

func TestSync_SessionSwitch(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)
	env.seed(t, "teacher-1", "student-1", "for student")
	env.seed(t, "teacher-1", "parent-1", "for parent")

	s := env.begin(t, "student-1")
	if len(s.Messages()) != 1 {
		t.Fatalf("expected 1 student message, got %d", len(s.Messages()))
	}

	if err := s.Begin(ctx, Session{UserID: "parent-1"}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	sess, ok := s.Session()
	if !ok || sess.UserID != "parent-1" {
		t.Fatalf("expected parent session, got %+v", sess)
	}
	if n := env.records.Feed().Subscribers(); n != 1 {
		t.Errorf("expected the old subscription closed, got %d subscribers", n)
	}

	before := env.counted.finds.Load()
	env.seed(t, "teacher-1", "student-1", "student only")
	time.Sleep(50 * time.Millisecond)

	if got := env.counted.finds.Load(); got != before {
		t.Errorf("expected no refetch for the previous user, got %d finds", got-before)
	}
	for _, m := range s.Messages() {
		if !m.Involves("parent-1") {
			t.Errorf("message %q leaked into the parent view", m.Subject)
		}
	}
}

// gatedStore blocks Find while the gate is armed.
type gatedStore struct {
	store.RecordStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedStore) Find(ctx context.Context, participantID string) ([]store.Message, error) {
	g.mu.Lock()
	armed, entered, release := g.armed, g.entered, g.release
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	return g.RecordStore.Find(ctx, participantID)
}

func TestSync_EndDiscardsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	records := memory.New()
	gated := &gatedStore{RecordStore: records}
	svc, err := NewService(WithStore(gated))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer svc.Close(ctx)

	if _, err := records.Insert(ctx, store.Message{SenderID: "t1", RecipientID: "p1", Subject: "s", Content: "c"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s := svc.NewSync()
	if err := s.Begin(ctx, Session{UserID: "p1"}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	gated.arm()
	done := make(chan error, 1)
	go func() {
		_, err := s.Fetch(ctx)
		done <- err
	}()
	<-gated.entered

	if err := s.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	close(gated.release)

	if err := <-done; !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized, got %v", s.State())
	}
	if len(s.Messages()) != 0 {
		t.Error("expected empty view after End")
	}
	if err := s.End(); err != nil {
		t.Errorf("second End should be a no-op, got %v", err)
	}
}

func TestSync_UnreadCountAndSearch(t *testing.T) {
	env := setupTestService(t, nil)
	env.seed(t, "teacher-1", "parent-1", "Math homework")
	env.seed(t, "teacher-1", "parent-1", "Bus schedule")
	env.seed(t, "parent-1", "teacher-1", "Re: math HOMEWORK")

	s := env.begin(t, "parent-1")

	if got := s.UnreadCount(); got != 2 {
		t.Errorf("expected 2 unread received messages, got %d", got)
	}

	hits := s.Search("homework")
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Subject != "Re: math HOMEWORK" || hits[1].Subject != "Math homework" {
		t.Errorf("expected view order preserved, got %q, %q", hits[0].Subject, hits[1].Subject)
	}

	if got := s.Search("content of bus"); len(got) != 1 {
		t.Errorf("expected a content match, got %d", len(got))
	}
	if got := s.Search(""); len(got) != 3 {
		t.Errorf("expected empty term to return all, got %d", len(got))
	}
}

func TestSync_MessagesReturnsCopies(t *testing.T) {
	env := setupTestService(t, nil)
	env.seed(t, "teacher-1", "parent-1", "original")
	s := env.begin(t, "parent-1")

	msgs := s.Messages()
	msgs[0].Subject = "mutated"
	if s.Messages()[0].Subject != "original" {
		t.Error("expected Messages to return a copy")
	}
}

func TestSync_ChangeListener(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, nil)

	var mu sync.Mutex
	var snaps []Snapshot
	s := env.begin(t, "teacher-1", WithChangeListener(func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	}))

	if _, err := s.Send(ctx, SendRequest{RecipientID: "parent-1", Subject: "Hi", Content: "Hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) < 2 {
		t.Fatalf("expected snapshots for the fetch and the send, got %d", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if last.UserID != "teacher-1" || last.State != StateReady || len(last.Messages) != 1 {
		t.Errorf("unexpected last snapshot: %+v", last)
	}
}

func TestSync_DirectoryJoin(t *testing.T) {
	dir := &avatarDirectory{avatars: map[string]string{"teacher-1": "https://cdn/t1.png"}}
	env := setupTestService(t, nil, WithDirectory(dir))
	env.seed(t, "teacher-1", "parent-1", "Hello")

	s := env.begin(t, "parent-1")
	m := s.Messages()[0]
	if m.Sender.Name != "TEACHER-1" || m.Sender.AvatarURL != "https://cdn/t1.png" {
		t.Errorf("expected sender decorated, got %+v", m.Sender)
	}
	if m.Recipient.ID != "parent-1" || m.Recipient.Name != "" {
		t.Errorf("expected bare recipient, got %+v", m.Recipient)
	}
}

func TestSync_ReconcilerReceivesChanges(t *testing.T) {
	env := setupTestService(t, nil)

	changes := make(chan store.Change, 8)
	s := env.begin(t, "parent-1", WithReconciler(ReconcilerFunc(func(ctx context.Context, s *Sync, c store.Change) error {
		changes <- c
		return nil
	})))
	_ = s

	m := env.seed(t, "teacher-1", "parent-1", "ping")

	select {
	case c := <-changes:
		if c.Op != store.ChangeInsert || c.MessageID != m.ID {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile")
	}
}
