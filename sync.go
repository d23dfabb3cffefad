package inbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/educpro/inbox/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of a Sync.
type State int

// Sync states.
const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a copy of a session view, passed to change listeners.
type Snapshot struct {
	UserID   string    `json:"user_id"`
	State    State     `json:"state"`
	Messages []Message `json:"messages"`
	Unread   int       `json:"unread"`
}

// SendRequest describes a message to send from the session user.
type SendRequest struct {
	RecipientID string
	Subject     string
	Content     string
	Attachments []File
}

// SendResult is the outcome of Send. Attachments has one entry per
// requested attachment, in request order.
type SendResult struct {
	Message     Message
	Attachments []UploadResult
}

// Sync keeps a per-session view of the user's messages consistent with the
// record store.
//
// A Sync holds at most one session and one change subscription. Every
// mutation is applied locally only after the store confirms it; the next
// change notification then reconciles any drift. Store calls are never made
// while the view lock is held, so a fetch and a local patch may interleave
// and the later completion wins.
//
// Results of operations that complete after End or a session switch are
// discarded. Operations are not cancelled.
type Sync struct {
	service *Service
	opts    *syncOptions

	mu       sync.Mutex
	gen      uint64 // bumped on every Begin and End
	session  Session
	active   bool
	state    State
	messages []Message
	sub      store.Subscription

	group   singleflight.Group
	pending sync.Map // gen key -> latest store.Change not yet reconciled
}

// Begin starts a session for sess. An active session is ended first.
//
// Begin subscribes to changes involving the user and performs the first
// Fetch. When the subscription fails the Sync stays uninitialized and the
// error is returned. A failed first fetch is returned too, but the session
// stays active and later changes retry it.
func (s *Sync) Begin(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if !s.service.IsConnected() {
		return ErrNotConnected
	}

	if err := s.End(); err != nil {
		s.service.logger.Warn("end previous session", "error", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.session = sess
	s.active = true
	s.state = StateUninitialized
	s.messages = nil
	s.mu.Unlock()

	var sub store.Subscription
	if feed := s.service.feed; feed != nil {
		var err error
		sub, err = feed.Subscribe(ctx, sess.UserID, func(change store.Change) {
			s.onChange(gen, change)
		})
		if err != nil {
			s.mu.Lock()
			if s.gen == gen {
				s.gen++
				s.active = false
				s.session = Session{}
			}
			s.mu.Unlock()

			err = fmt.Errorf("inbox: subscribe to changes: %w", err)
			s.notify(ctx, Notice{
				Level:   NoticeError,
				Op:      "subscribe",
				UserID:  sess.UserID,
				Message: "Failed to subscribe to message updates",
				Err:     err,
			})
			return err
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return ErrSessionEnded
	}
	s.sub = sub
	s.mu.Unlock()

	s.service.logger.Debug("session started", "user_id", sess.UserID)

	_, err := s.Fetch(ctx)
	return err
}

// End tears down the subscription, clears the view and returns to
// StateUninitialized. It is safe to call more than once.
func (s *Sync) End() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	sub := s.sub
	userID := s.session.UserID
	s.sub = nil
	s.active = false
	s.session = Session{}
	s.messages = nil
	s.state = StateUninitialized
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if snap != nil {
		snap.UserID = userID
	}

	var err error
	if sub != nil {
		if cerr := sub.Close(); cerr != nil {
			err = fmt.Errorf("inbox: close subscription: %w", cerr)
		}
	}
	s.emit(snap)

	s.service.logger.Debug("session ended", "user_id", userID)
	return err
}

// State returns the current lifecycle state.
func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the active session and whether one is active.
func (s *Sync) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.active
}

// Fetch replaces the view with every message the user sent or received,
// newest first. On failure the previous view is kept.
func (s *Sync) Fetch(ctx context.Context) (msgs []Message, err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	gen := s.gen
	userID := s.session.UserID
	s.state = StateLoading
	s.mu.Unlock()

	start := time.Now()
	ctx, endSpan := s.service.otel.startSpan(ctx, "inbox.fetch",
		attribute.String("user_id", userID),
	)
	defer func() {
		endSpan(err)
		s.service.otel.recordFetch(ctx, time.Since(start), len(msgs), err)
	}()

	rows, err := s.service.store.Find(ctx, userID)
	if err != nil {
		err = mapStoreError("fetch", err)
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "fetch",
			UserID:  userID,
			Message: "Failed to load messages",
			Err:     err,
		})
		return nil, err
	}

	view := make([]Message, len(rows))
	for i, row := range rows {
		view[i] = newMessage(row)
	}
	s.service.decorate(ctx, view)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	s.messages = view
	s.state = StateReady
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(snap)
	return cloneMessages(view), nil
}

// Send uploads the request's attachments one after another, inserts the
// message and prepends it to the view.
//
// With AttachPartial (the default) failed attachments are left out of the
// message; their errors are in SendResult.Attachments. With
// RequireAllAttachments any failure aborts the send with an
// *AttachmentError and nothing is inserted. Uploaded files are not removed
// in that case.
func (s *Sync) Send(ctx context.Context, req SendRequest) (res *SendResult, err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	gen := s.gen
	userID := s.session.UserID
	s.mu.Unlock()

	if err := ValidateSendRequest(req, s.service.limits()); err != nil {
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "send",
			UserID:  userID,
			Message: "Message was not sent: " + validationMessage(err),
			Err:     err,
		})
		return nil, err
	}

	uploader := s.service.opts.attachments
	if len(req.Attachments) > 0 && uploader == nil {
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "send",
			UserID:  userID,
			Message: "Message was not sent: attachments are not supported",
			Err:     ErrUploaderNotConfigured,
		})
		return nil, ErrUploaderNotConfigured
	}

	if !s.service.IsConnected() {
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "send",
			UserID:  userID,
			Message: "Message was not sent: service unavailable",
			Err:     ErrNotConnected,
		})
		return nil, ErrNotConnected
	}
	if err := s.service.sendSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("inbox: acquire send slot: %w", err)
	}
	defer s.service.sendSem.Release(1)

	start := time.Now()
	ctx = ContextWithUserID(ctx, userID)
	ctx, endSpan := s.service.otel.startSpan(ctx, "inbox.send",
		attribute.String("sender_id", userID),
		attribute.String("recipient_id", req.RecipientID),
		attribute.Int("attachment_count", len(req.Attachments)),
	)
	defer func() {
		endSpan(err)
		s.service.otel.recordSend(ctx, time.Since(start), len(req.Attachments), err)
	}()

	res = &SendResult{Attachments: make([]UploadResult, len(req.Attachments))}
	failed := 0
	for i, f := range req.Attachments {
		url, uerr := uploader.Upload(ctx, f, "")
		res.Attachments[i] = UploadResult{Index: i, Name: f.Name, URL: url, Err: uerr}
		if uerr != nil {
			failed++
		}
	}

	if failed > 0 && s.opts.sendPolicy == RequireAllAttachments {
		err = &AttachmentError{Results: res.Attachments}
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "send",
			UserID:  userID,
			Message: "Message was not sent because an attachment failed to upload",
			Err:     err,
		})
		return res, err
	}

	row, err := s.service.store.Insert(ctx, store.Message{
		SenderID:    userID,
		RecipientID: req.RecipientID,
		Subject:     req.Subject,
		Content:     req.Content,
		Attachments: SuccessfulURLs(res.Attachments),
	})
	if err != nil {
		err = mapStoreError("send", err)
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "send",
			UserID:  userID,
			Message: "Failed to send message",
			Err:     err,
		})
		return res, err
	}

	one := []Message{newMessage(row)}
	s.service.decorate(ctx, one)
	res.Message = one[0]

	s.mu.Lock()
	var snap *Snapshot
	if s.gen == gen && s.indexLocked(row.ID) < 0 {
		s.messages = append([]Message{res.Message.Clone()}, s.messages...)
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	s.emit(snap)

	s.notify(ctx, Notice{
		Level:   NoticeSuccess,
		Op:      "send",
		UserID:  userID,
		Message: "Message sent successfully",
	})

	pubErr := s.publishSent(ctx, row, res.Attachments)

	s.resync(ctx, gen, store.ChangeFor(store.ChangeInsert, row))

	return res, pubErr
}

func (s *Sync) publishSent(ctx context.Context, row store.Message, attachments []UploadResult) error {
	svc := s.service
	if svc.events == nil {
		return nil
	}
	bucket := ""
	if svc.opts.attachments != nil {
		bucket = svc.opts.attachments.Bucket()
	}
	for _, a := range attachments {
		if a.Err != nil {
			continue
		}
		if err := svc.publishUploaded(ctx, row.SenderID, bucket, a.Name, a.URL); err != nil {
			return err
		}
	}
	return publishEvent(ctx, svc, svc.events.MessageSent, "MessageSent", row.ID, MessageSentEvent{
		MessageID:       row.ID,
		SenderID:        row.SenderID,
		RecipientID:     row.RecipientID,
		Subject:         row.Subject,
		AttachmentCount: len(row.Attachments),
		SentAt:          row.CreatedAt,
	})
}

// MarkRead marks a message in the view as read.
//
// It is a no-op when the id is not in the view or the message is already
// read. Only the recipient may mark a message read; anyone else gets
// ErrNotRecipient and the store is not called.
func (s *Sync) MarkRead(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNoSession
	}
	gen := s.gen
	userID := s.session.UserID
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	m := s.messages[idx]
	s.mu.Unlock()

	if m.RecipientID != userID {
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "mark_read",
			UserID:  userID,
			Message: "Only the recipient can mark a message as read",
			Err:     ErrNotRecipient,
		})
		return ErrNotRecipient
	}
	if m.IsRead {
		return nil
	}

	start := time.Now()
	ctx, endSpan := s.service.otel.startSpan(ctx, "inbox.mark_read",
		attribute.String("user_id", userID),
		attribute.String("message_id", id),
	)
	defer func() {
		endSpan(err)
		s.service.otel.recordMarkRead(ctx, time.Since(start), err)
	}()

	if err := s.service.store.MarkRead(ctx, id, userID); err != nil {
		err = mapStoreError("mark read", err)
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "mark_read",
			UserID:  userID,
			Message: "Failed to mark message as read",
			Err:     err,
		})
		return err
	}

	s.mu.Lock()
	var snap *Snapshot
	if s.gen == gen {
		if i := s.indexLocked(id); i >= 0 && !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			snap = s.snapshotLocked()
		}
	}
	s.mu.Unlock()
	s.emit(snap)

	if s.service.events == nil {
		return nil
	}
	return publishEvent(ctx, s.service, s.service.events.MessageRead, "MessageRead", id, MessageReadEvent{
		MessageID: id,
		UserID:    userID,
		ReadAt:    time.Now().UTC(),
	})
}

// Delete permanently deletes a message the user sent or received and
// removes it from the view. Attachment files are kept.
func (s *Sync) Delete(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNoSession
	}
	gen := s.gen
	userID := s.session.UserID
	s.mu.Unlock()

	start := time.Now()
	ctx, endSpan := s.service.otel.startSpan(ctx, "inbox.delete",
		attribute.String("user_id", userID),
		attribute.String("message_id", id),
	)
	defer func() {
		endSpan(err)
		s.service.otel.recordDelete(ctx, time.Since(start), err)
	}()

	if err := s.service.store.Delete(ctx, id, userID); err != nil {
		err = mapStoreError("delete", err)
		s.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "delete",
			UserID:  userID,
			Message: "Failed to delete message",
			Err:     err,
		})
		return err
	}

	s.mu.Lock()
	var snap *Snapshot
	if s.gen == gen {
		if i := s.indexLocked(id); i >= 0 {
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			snap = s.snapshotLocked()
		}
	}
	s.mu.Unlock()
	s.emit(snap)

	s.notify(ctx, Notice{
		Level:   NoticeSuccess,
		Op:      "delete",
		UserID:  userID,
		Message: "Message deleted",
	})

	if s.service.events == nil {
		return nil
	}
	return publishEvent(ctx, s.service, s.service.events.MessageDeleted, "MessageDeleted", id, MessageDeletedEvent{
		MessageID: id,
		UserID:    userID,
		DeletedAt: time.Now().UTC(),
	})
}

// Messages returns a copy of the view in store order.
func (s *Sync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Get returns a message from the view.
func (s *Sync) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return Message{}, false
}

// UnreadCount returns the number of unread messages received by the user.
func (s *Sync) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// Search returns the messages whose subject or content contains term,
// ignoring case, in view order. An empty term returns the whole view.
func (s *Sync) Search(term string) []Message {
	needle := strings.ToLower(strings.TrimSpace(term))

	s.mu.Lock()
	defer s.mu.Unlock()
	if needle == "" {
		return cloneMessages(s.messages)
	}
	var out []Message
	for _, m := range s.messages {
		if strings.Contains(strings.ToLower(m.Subject), needle) ||
			strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// onChange runs the reconciler for a feed notification of session gen.
func (s *Sync) onChange(gen uint64, change store.Change) {
	s.mu.Lock()
	current := s.active && s.gen == gen
	s.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.service.opts.resyncTimeout)
	defer cancel()
	s.resync(ctx, gen, change)
}

// resync reconciles the view once per burst of changes. A change arriving
// while a reconcile runs marks the burst pending, and the running
// reconcile goes around again instead of starting a second one.
func (s *Sync) resync(ctx context.Context, gen uint64, change store.Change) {
	key := strconv.FormatUint(gen, 10)
	s.pending.Store(key, change)

	for {
		_, err, _ := s.group.Do(key, func() (any, error) {
			var last error
			for {
				v, ok := s.pending.LoadAndDelete(key)
				if !ok {
					return nil, last
				}
				c := v.(store.Change)
				start := time.Now()
				last = s.opts.reconciler.Reconcile(ctx, s, c)
				s.service.otel.recordResync(ctx, time.Since(start), string(c.Op), last)
				if ctx.Err() != nil {
					return nil, last
				}
			}
		})
		if err != nil {
			s.service.logger.Debug("resync failed", "gen", gen, "op", change.Op, "error", err)
		}
		// A change stored just as the running reconcile finished.
		if _, ok := s.pending.Load(key); !ok || ctx.Err() != nil {
			return
		}
	}
}

func (s *Sync) notify(ctx context.Context, n Notice) {
	s.service.notify(ctx, n)
}

// emit delivers snap to every listener, outside the view lock.
func (s *Sync) emit(snap *Snapshot) {
	if snap == nil {
		return
	}
	for _, fn := range s.opts.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.service.logger.Error("panic in change listener", "panic", r)
				}
			}()
			fn(*snap)
		}()
	}
}

// snapshotLocked copies the view for listeners; nil when there are none.
func (s *Sync) snapshotLocked() *Snapshot {
	if len(s.opts.listeners) == 0 {
		return nil
	}
	return &Snapshot{
		UserID:   s.session.UserID,
		State:    s.state,
		Messages: cloneMessages(s.messages),
		Unread:   s.unreadLocked(),
	}
}

func (s *Sync) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Sync) unreadLocked() int {
	n := 0
	for _, m := range s.messages {
		if m.RecipientID == s.session.UserID && !m.IsRead {
			n++
		}
	}
	return n
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
