package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable   = "messages"
	DefaultTimeout = 10 * time.Second

	DefaultMinReconnectInterval = 10 * time.Second
	DefaultMaxReconnectInterval = time.Minute
	DefaultPingInterval         = 90 * time.Second
)

// options holds PostgreSQL store configuration.
type options struct {
	table         string
	timeout       time.Duration
	logger        *slog.Logger
	notifyTrigger bool
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:         DefaultTable,
		timeout:       DefaultTimeout,
		logger:        slog.Default(),
		notifyTrigger: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL store.
type Option func(*options)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
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

// WithNotifyTrigger controls whether Connect installs the row trigger that
// feeds LISTEN/NOTIFY. Default is enabled. Disable it when the schema is
// managed by migrations.
func WithNotifyTrigger(enabled bool) Option {
	return func(o *options) {
		o.notifyTrigger = enabled
	}
}

// feedOptions holds LISTEN/NOTIFY feed configuration.
type feedOptions struct {
	table                string
	logger               *slog.Logger
	minReconnectInterval time.Duration
	maxReconnectInterval time.Duration
	pingInterval         time.Duration
}

// FeedOption configures a Feed.
type FeedOption func(*feedOptions)

// WithFeedTable sets the table whose channel the feed listens on.
// It must match the store's table.
func WithFeedTable(name string) FeedOption {
	return func(o *feedOptions) {
		if name != "" {
			o.table = name
		}
	}
}

// WithFeedLogger sets a custom logger for the feed.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(o *feedOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReconnectInterval sets the listener's reconnect backoff bounds.
func WithReconnectInterval(minInterval, maxInterval time.Duration) FeedOption {
	return func(o *feedOptions) {
		if minInterval > 0 && maxInterval >= minInterval {
			o.minReconnectInterval = minInterval
			o.maxReconnectInterval = maxInterval
		}
	}
}

// WithPingInterval sets how often an idle listener connection is checked.
func WithPingInterval(d time.Duration) FeedOption {
	return func(o *feedOptions) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// channelName returns the NOTIFY channel for a table.
func channelName(table string) string {
	return table + "_changes"
}
