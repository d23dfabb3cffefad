package s3

import (
	"log/slog"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// options holds S3 blob store configuration.
type options struct {
	bucket string
	prefix string
	region string

	// S3-compatible services such as MinIO or LocalStack.
	endpoint     string
	usePathStyle bool

	// publicBaseURL overrides how PublicURL is built, e.g. a CDN in front
	// of the bucket.
	publicBaseURL string

	accessKey    string
	secretKey    string
	sessionToken string

	roleARN         string
	roleSessionName string
	externalID      string

	logger *slog.Logger
}

// Option configures the S3 blob store.
type Option func(*options)

// WithBucket sets the S3 bucket name (required).
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

// WithRegion sets the AWS region. Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint sets a custom S3 endpoint for S3-compatible services.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle enables path-style addressing (required for some S3-compatible services).
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.usePathStyle = enabled
	}
}

// WithPublicBaseURL sets the base of public object URLs. The key is
// appended after a slash.
func WithPublicBaseURL(u string) Option {
	return func(o *options) {
		o.publicBaseURL = u
	}
}

// WithStaticCredentials sets static AWS credentials.
// For Kubernetes, prefer IAM Roles for Service Accounts (IRSA) and leave
// credentials unset so the default chain picks them up.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken sets a session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(o *options) {
		o.sessionToken = token
	}
}

// WithAssumeRole configures STS role assumption.
// sessionName defaults to "inbox-blob-store".
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		o.roleSessionName = sessionName
	}
}

// WithExternalID sets the external ID for role assumption.
func WithExternalID(externalID string) Option {
	return func(o *options) {
		o.externalID = externalID
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
