// Package gcs provides a Google Cloud Storage implementation of store.BlobStore.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/educpro/inbox/store"
	"google.golang.org/api/option"
)

var cloudPlatformScope = []string{"https://www.googleapis.com/auth/cloud-platform"}

// Store implements store.BlobStore using Google Cloud Storage.
type Store struct {
	client  *storage.Client
	bucket  string
	prefix  string
	baseURL string
	logger  *slog.Logger
}

// Compile-time check
var _ store.BlobStore = (*Store)(nil)

// New creates a new GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{
		client:  client,
		bucket:  o.bucket,
		prefix:  strings.Trim(o.prefix, "/"),
		baseURL: publicBaseURL(o),
		logger:  o.logger,
	}, nil
}

// buildClientOptions builds GCS client options based on authentication settings.
func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          cloudPlatformScope,
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          cloudPlatformScope,
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	return opts, nil
}

func publicBaseURL(o *options) string {
	if o.publicBaseURL != "" {
		return strings.TrimRight(o.publicBaseURL, "/")
	}
	return DefaultPublicBaseURL + "/" + o.bucket
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads content under key.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) error {
	objectKey := s.objectKey(key)

	w := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy content to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("uploaded blob to gcs", "bucket", s.bucket, "key", objectKey)
	return nil
}

// PublicURL returns the object URL for key.
func (s *Store) PublicURL(key string) string {
	return s.baseURL + "/" + s.objectKey(key)
}

// Delete removes the object stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)

	if err := s.client.Bucket(s.bucket).Object(objectKey).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return store.ErrBlobNotFound
		}
		return fmt.Errorf("delete object from gcs: %w", err)
	}

	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "key", objectKey)
	return nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
