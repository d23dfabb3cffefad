// Package s3 provides an S3 implementation of store.BlobStore.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/educpro/inbox/store"
)

// Store implements store.BlobStore using AWS S3.
type Store struct {
	client  *s3.Client
	tm      *transfermanager.Client
	bucket  string
	prefix  string
	baseURL string
	logger  *slog.Logger
}

// Compile-time check
var _ store.BlobStore = (*Store)(nil)

// New creates a new S3 blob store.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: DefaultRegion,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client:  client,
		tm:      transfermanager.New(client),
		bucket:  o.bucket,
		prefix:  strings.Trim(o.prefix, "/"),
		baseURL: publicBaseURL(o),
		logger:  o.logger,
	}, nil
}

// buildAWSConfig builds AWS config based on authentication options.
// With no credential options the default chain is used (env vars, shared
// config, EC2/ECS roles and IRSA).
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(assumeRoleCredentials(baseCfg, o)))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// publicBaseURL derives the URL objects are served from.
func publicBaseURL(o *options) string {
	switch {
	case o.publicBaseURL != "":
		return strings.TrimRight(o.publicBaseURL, "/")
	case o.endpoint != "" && o.usePathStyle:
		return strings.TrimRight(o.endpoint, "/") + "/" + o.bucket
	case o.endpoint != "":
		return strings.TrimRight(o.endpoint, "/")
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", o.bucket, o.region)
	}
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

	_, err := s.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Debug("uploaded blob to s3", "bucket", s.bucket, "key", objectKey)
	return nil
}

// PublicURL returns the object URL for key.
func (s *Store) PublicURL(key string) string {
	return s.baseURL + "/" + s.objectKey(key)
}

// Delete removes the object stored under key. S3 deletes are idempotent, so
// a missing key is only reported when the bucket itself rejects the request.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return store.ErrBlobNotFound
		}
		return fmt.Errorf("delete object from s3: %w", err)
	}

	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", objectKey)
	return nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}
