package mongo

import (
	"log/slog"
	"time"

	"github.com/educpro/inbox/retry"
)

// Default configuration values.
const (
	DefaultDatabase   = "inbox"
	DefaultCollection = "messages"
	DefaultTimeout    = 10 * time.Second
)

// options holds MongoDB store and feed configuration.
type options struct {
	database   string
	collection string
	timeout    time.Duration
	logger     *slog.Logger
	retry      retry.Config
}

func newOptions(opts ...Option) *options {
	r := retry.DefaultConfig()
	r.MaxRetries = 10
	r.MaxBackoff = time.Minute
	o := &options{
		database:   DefaultDatabase,
		collection: DefaultCollection,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
		retry:      r,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store or feed.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
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

// WithRetry sets the backoff used by the feed when reopening a change
// stream after an error.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
	}
}
