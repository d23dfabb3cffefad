package inbox

import (
	"log/slog"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	DefaultMaxSubjectLength   = 255        // characters
	DefaultMaxContentSize     = 64 * 1024  // 64 KB
	DefaultMaxAttachmentCount = 10         // attachments per message

	DefaultMaxConcurrentSends = 10               // concurrent sends per service
	DefaultResyncTimeout      = 30 * time.Second // bound on feed-triggered refetches
)

// options holds Service configuration.
type options struct {
	store       store.RecordStore
	feed        store.ChangeFeed
	attachments *Uploader
	avatars     *Uploader
	directory   Directory
	reporter    Reporter
	logger      *slog.Logger

	maxSubjectLength   int
	maxContentSize     int
	maxAttachmentCount int

	maxConcurrentSends int
	shutdownTimeout    time.Duration
	resyncTimeout      time.Duration

	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	eventErrorsFatal      bool                    // If true, event publishing failures fail the operation
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// It must be safe for concurrent use.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the failure callback and recovers panics.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),

		maxSubjectLength:   DefaultMaxSubjectLength,
		maxContentSize:     DefaultMaxContentSize,
		maxAttachmentCount: DefaultMaxAttachmentCount,

		maxConcurrentSends: DefaultMaxConcurrentSends,
		shutdownTimeout:    DefaultShutdownTimeout,
		resyncTimeout:      DefaultResyncTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.reporter == nil {
		o.reporter = LogReporter(o.logger)
	}
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}
	return o
}

// Option configures a Service.
type Option func(*options)

// WithStore sets the record store (required).
func WithStore(s store.RecordStore) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithChangeFeed sets the change feed used by Sync sessions.
// Without a feed, sessions only resynchronize after their own sends.
func WithChangeFeed(f store.ChangeFeed) Option {
	return func(o *options) {
		if f != nil {
			o.feed = f
		}
	}
}

// WithAttachmentUploader sets the uploader for message attachments.
func WithAttachmentUploader(u *Uploader) Option {
	return func(o *options) {
		if u != nil {
			o.attachments = u
		}
	}
}

// WithAvatarUploader sets the uploader for profile avatars.
func WithAvatarUploader(u *Uploader) Option {
	return func(o *options) {
		if u != nil {
			o.avatars = u
		}
	}
}

// WithDirectory sets the directory used to attach display names and
// avatars to messages.
func WithDirectory(d Directory) Option {
	return func(o *options) {
		if d != nil {
			o.directory = d
		}
	}
}

// WithReporter sets the channel for user-facing notices.
// Default logs every notice with the service logger.
func WithReporter(r Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxSubjectLength sets the maximum subject length in characters.
func WithMaxSubjectLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubjectLength = n
		}
	}
}

// WithMaxContentSize sets the maximum content size in bytes.
func WithMaxContentSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxContentSize = n
		}
	}
}

// WithMaxAttachmentCount sets the maximum number of attachments per message.
func WithMaxAttachmentCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttachmentCount = n
		}
	}
}

// WithMaxConcurrentSends limits concurrent Send operations across all
// sessions of the service. Close waits for in-flight sends.
func WithMaxConcurrentSends(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentSends = n
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight sends.
// Values below MinShutdownTimeout are ignored.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// WithResyncTimeout bounds each refetch triggered by a change notification.
func WithResyncTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.resyncTimeout = d
		}
	}
}

// WithTracing enables or disables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables or disables both tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for the event bus and telemetry.
// Default is "inbox".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom tracer provider.
// Default uses otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom meter provider.
// Default uses otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// It takes precedence over WithRedisClient.
//
// Example:
//
//	svc, _ := inbox.NewService(inbox.WithStore(records), inbox.WithEventTransport(channel.New()))
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes service events over Redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventErrorsFatal makes event publishing failures fail the operation
// with an *EventPublishError. The operation itself has already been applied.
// Default is false: failures are passed to the publish-failure callback.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventPublishFailureHandler sets the callback for event publish failures.
// Default logs the failure.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// SendPolicy decides how Send treats failed attachment uploads.
type SendPolicy int

const (
	// AttachPartial inserts the message with whichever attachments uploaded
	// successfully. Failures are reported and returned in SendResult.
	AttachPartial SendPolicy = iota

	// RequireAllAttachments aborts the send with an *AttachmentError when
	// any attachment fails. Nothing is inserted.
	RequireAllAttachments
)

// ChangeListener is called with the session view after each change to it.
type ChangeListener func(Snapshot)

// syncOptions holds Sync configuration.
type syncOptions struct {
	reconciler Reconciler
	listeners  []ChangeListener
	sendPolicy SendPolicy
}

// SyncOption configures a Sync.
type SyncOption func(*syncOptions)

// WithReconciler replaces the strategy run on change notifications.
// Default is RefetchReconciler.
func WithReconciler(r Reconciler) SyncOption {
	return func(o *syncOptions) {
		if r != nil {
			o.reconciler = r
		}
	}
}

// WithChangeListener registers a listener for view changes.
func WithChangeListener(fn ChangeListener) SyncOption {
	return func(o *syncOptions) {
		if fn != nil {
			o.listeners = append(o.listeners, fn)
		}
	}
}

// WithSendPolicy sets the attachment failure policy for Send.
// Default is AttachPartial.
func WithSendPolicy(p SendPolicy) SyncOption {
	return func(o *syncOptions) {
		o.sendPolicy = p
	}
}
