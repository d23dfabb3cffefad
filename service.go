package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// Service owns the stores, the event bus and telemetry shared by every
// Sync it creates. Create one per process with NewService and Connect it
// before starting sessions.
type Service struct {
	store    store.RecordStore
	feed     store.ChangeFeed
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	otel     *otelInstrumentation
	sendSem  *semaphore.Weighted // Limits concurrent sends; drained on Close
	eventBus *event.Bus
	events   *ServiceEvents
}

// NewService creates a new inbox service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (*Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &Service{
		store:   o.store,
		feed:    o.feed,
		logger:  o.logger,
		opts:    o,
		otel:    otelInstr,
		sendSem: semaphore.NewWeighted(int64(o.maxConcurrentSends)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
// It is nil until Connect succeeds.
func (s *Service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *Service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect connects the record store, then the change feed, then builds the
// event bus. On failure everything already connected is closed again.
func (s *Service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil && !errors.Is(err, store.ErrAlreadyConnected) {
		return fmt.Errorf("connect store: %w", err)
	}

	if s.feed != nil {
		if err := s.feed.Connect(ctx); err != nil && !errors.Is(err, store.ErrAlreadyConnected) {
			_ = s.store.Close(ctx)
			return fmt.Errorf("connect change feed: %w", err)
		}
	}

	if err := s.initEventBus(ctx); err != nil {
		if s.feed != nil {
			_ = s.feed.Close(ctx)
		}
		_ = s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("inbox service connected", "change_feed", s.feed != nil)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and registers its events.
func (s *Service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "inbox"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}

	events := newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	s.eventBus = bus
	s.events = events
	return nil
}

// Close waits for in-flight sends, then closes the event bus, the change
// feed and the record store. Sessions created by this service stop
// receiving change notifications. Close is idempotent.
func (s *Service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// After the state flip no new send can acquire a slot, so taking every
	// slot waits for the running ones.
	s.logger.Info("waiting for in-flight sends to complete", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.sendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentSends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight sends, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sendSem.Release(int64(s.opts.maxConcurrentSends))
	}

	// The noop bus holds no resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if s.feed != nil {
		if err := s.feed.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close change feed: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("inbox service closed")
	return errors.Join(errs...)
}

// NewSync creates an idle Sync bound to this service. Call Begin to start
// a session.
func (s *Service) NewSync(opts ...SyncOption) *Sync {
	o := &syncOptions{
		reconciler: RefetchReconciler{},
		sendPolicy: AttachPartial,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Sync{
		service: s,
		opts:    o,
	}
}

// AttachmentUploader returns the configured attachment uploader, or nil.
func (s *Service) AttachmentUploader() *Uploader {
	return s.opts.attachments
}

// Directory returns the configured directory, or nil.
func (s *Service) Directory() Directory {
	return s.opts.directory
}

// UploadAvatar stores a profile picture for the session user in the avatar
// bucket and returns its public URL. When the directory implements
// AvatarUpdater the profile is updated to point at it.
func (s *Service) UploadAvatar(ctx context.Context, sess Session, file File) (url string, err error) {
	if !s.IsConnected() {
		return "", ErrNotConnected
	}
	if err := sess.Validate(); err != nil {
		return "", err
	}
	u := s.opts.avatars
	if u == nil {
		return "", ErrUploaderNotConfigured
	}

	start := time.Now()
	ctx = ContextWithUserID(ctx, sess.UserID)
	ctx, endSpan := s.otel.startSpan(ctx, "inbox.upload_avatar",
		attribute.String("user_id", sess.UserID),
		attribute.String("bucket", u.Bucket()),
	)
	defer func() {
		endSpan(err)
		s.otel.recordUpload(ctx, time.Since(start), u.Bucket(), err)
	}()

	name := sess.UserID + "/" + u.generateName(file.Name, nil)
	url, err = u.Upload(ctx, file, name)
	if err != nil {
		return "", err
	}

	if updater, ok := s.opts.directory.(AvatarUpdater); ok {
		if err := updater.SetAvatar(ctx, sess.UserID, url); err != nil {
			err = fmt.Errorf("inbox: update avatar: %w", err)
			s.notify(ctx, Notice{
				Level:   NoticeError,
				Op:      "upload_avatar",
				UserID:  sess.UserID,
				Message: "Failed to update profile picture",
				Err:     err,
			})
			return url, err
		}
	}

	if err := s.publishUploaded(ctx, sess.UserID, u.Bucket(), name, url); err != nil {
		return url, err
	}
	return url, nil
}

// publishUploaded announces a stored file.
func (s *Service) publishUploaded(ctx context.Context, userID, bucket, name, url string) error {
	if s.events == nil {
		return nil
	}
	return publishEvent(ctx, s, s.events.AttachmentUploaded, "AttachmentUploaded", "", AttachmentUploadedEvent{
		UserID:     userID,
		Bucket:     bucket,
		Name:       name,
		URL:        url,
		UploadedAt: time.Now().UTC(),
	})
}

func (s *Service) notify(ctx context.Context, n Notice) {
	report(ctx, s.opts.reporter, s.logger, n)
}
