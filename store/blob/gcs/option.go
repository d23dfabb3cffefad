package gcs

import (
	"log/slog"
)

// DefaultPublicBaseURL is the host serving public GCS objects.
const DefaultPublicBaseURL = "https://storage.googleapis.com"

// options holds GCS blob store configuration.
type options struct {
	bucket string
	prefix string

	// Custom endpoint (emulators, testing).
	endpoint      string
	publicBaseURL string

	// Credentials, mutually exclusive. With none set, Application Default
	// Credentials are used.
	credentialsJSON []byte
	credentialsFile string
	apiKey          string

	logger *slog.Logger
}

// Option configures the GCS blob store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix stores every object under prefix/. Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint sets a custom GCS endpoint (for emulators, testing).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPublicBaseURL sets the base of public object URLs.
// Default is "https://storage.googleapis.com/<bucket>".
func WithPublicBaseURL(u string) Option {
	return func(o *options) {
		o.publicBaseURL = u
	}
}

// WithCredentialsJSON sets service account credentials from JSON bytes.
//
// Example:
//
//	keyJSON, _ := os.ReadFile("service-account.json")
//	blobs, _ := gcs.New(ctx, gcs.WithBucket("message-attachments"), gcs.WithCredentialsJSON(keyJSON))
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile sets the path to a service account JSON key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey sets an API key for authentication.
// API keys have limited functionality; prefer service accounts or Workload Identity.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
