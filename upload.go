package inbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/educpro/inbox/store"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentUploads bounds parallel uploads in UploadMultiple.
const DefaultMaxConcurrentUploads = 4

// sniffLen is the number of leading bytes read to detect a missing content type.
const sniffLen = 3072

// File is an upload candidate.
//
// Size may be zero or negative when unknown. Under a size limit the body is
// always buffered up to the limit and measured; a declared Size above the
// limit only fails earlier. ContentType may be empty; it is then detected
// from the first bytes of Body.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadPolicy restricts which files an Uploader accepts.
type UploadPolicy struct {
	// AllowedTypes lists accepted content type prefixes, e.g. "image/" or
	// "image/*". Empty accepts every type.
	AllowedTypes []string

	// MaxSize is the largest accepted file in bytes. Zero means unlimited.
	MaxSize int64
}

// allowsType reports whether contentType matches an allowed pattern.
func (p UploadPolicy) allowsType(contentType string) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}
	ct := normalizeMIMEType(contentType)
	for _, pattern := range p.AllowedTypes {
		if matchMIMEType(ct, pattern) {
			return true
		}
	}
	return false
}

// UploadResult is the outcome of one file in UploadMultiple.
type UploadResult struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Err   error  `json:"-"`
}

// SuccessfulURLs returns the URLs of successful results in input order.
func SuccessfulURLs(results []UploadResult) []string {
	var urls []string
	for _, r := range results {
		if r.Err == nil && r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// uploadOptions holds Uploader configuration.
type uploadOptions struct {
	policy        UploadPolicy
	reporter      Reporter
	logger        *slog.Logger
	maxConcurrent int
}

// UploadOption configures an Uploader.
type UploadOption func(*uploadOptions)

// WithPolicy sets the full upload policy.
func WithPolicy(p UploadPolicy) UploadOption {
	return func(o *uploadOptions) {
		o.policy = p
	}
}

// WithAllowedTypes sets the accepted content type prefixes.
func WithAllowedTypes(prefixes ...string) UploadOption {
	return func(o *uploadOptions) {
		o.policy.AllowedTypes = prefixes
	}
}

// WithMaxSize sets the largest accepted file in bytes.
func WithMaxSize(n int64) UploadOption {
	return func(o *uploadOptions) {
		if n >= 0 {
			o.policy.MaxSize = n
		}
	}
}

// WithUploadReporter sets where upload notices go.
// Default logs them.
func WithUploadReporter(r Reporter) UploadOption {
	return func(o *uploadOptions) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithMaxConcurrentUploads bounds parallel uploads in UploadMultiple.
func WithMaxConcurrentUploads(n int) UploadOption {
	return func(o *uploadOptions) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithUploadLogger sets a custom logger.
func WithUploadLogger(l *slog.Logger) UploadOption {
	return func(o *uploadOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Uploader validates files against a policy and stores them in one bucket.
// Each upload is a single attempt; nothing is retried.
type Uploader struct {
	blobs store.BlobStore
	opts  *uploadOptions

	now  func() time.Time
	rand func() uint64
}

// NewUploader creates an Uploader backed by blobs.
func NewUploader(blobs store.BlobStore, opts ...UploadOption) *Uploader {
	o := &uploadOptions{
		logger:        slog.Default(),
		maxConcurrent: DefaultMaxConcurrentUploads,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = LogReporter(o.logger)
	}
	return &Uploader{
		blobs: blobs,
		opts:  o,
		now:   time.Now,
		rand:  rand.Uint64,
	}
}

// Policy returns the upload policy.
func (u *Uploader) Policy() UploadPolicy {
	return u.opts.policy
}

// Bucket returns the bucket of the underlying blob store.
func (u *Uploader) Bucket() string {
	return u.blobs.Bucket()
}

// Upload checks file against the policy, stores it and returns its public URL.
//
// The type check runs before the size check. A policy failure returns a
// *PolicyError without touching the blob store. destPath names the object;
// when empty a name of the form <unix-millis>-<random>.<ext> is generated.
func (u *Uploader) Upload(ctx context.Context, file File, destPath string) (string, error) {
	url, err := u.upload(ctx, file, destPath)
	if err != nil {
		u.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "upload",
			Message: fmt.Sprintf("Failed to upload %s", displayName(file.Name)),
			Err:     err,
		})
		return "", err
	}
	u.notify(ctx, Notice{
		Level:   NoticeSuccess,
		Op:      "upload",
		Message: fmt.Sprintf("Uploaded %s", displayName(file.Name)),
	})
	return url, nil
}

func (u *Uploader) upload(ctx context.Context, file File, destPath string) (string, error) {
	body := file.Body
	if body == nil {
		body = bytes.NewReader(nil)
	}

	contentType := strings.TrimSpace(file.ContentType)
	var detected *mimetype.MIME
	if contentType == "" {
		header := make([]byte, sniffLen)
		n, err := io.ReadFull(body, header)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return "", fmt.Errorf("inbox: read %s: %w", file.Name, err)
		}
		header = header[:n]
		detected = mimetype.Detect(header)
		contentType = detected.String()
		body = io.MultiReader(bytes.NewReader(header), body)
	}

	policy := u.opts.policy
	if !policy.allowsType(contentType) {
		return "", &PolicyError{Kind: PolicyType, Name: file.Name, ContentType: contentType}
	}

	if policy.MaxSize > 0 {
		if file.Size > policy.MaxSize {
			return "", &PolicyError{Kind: PolicySize, Name: file.Name, Size: file.Size, MaxSize: policy.MaxSize}
		}
		// Size is advisory; measure the body.
		buf, err := io.ReadAll(io.LimitReader(body, policy.MaxSize+1))
		if err != nil {
			return "", fmt.Errorf("inbox: read %s: %w", file.Name, err)
		}
		if int64(len(buf)) > policy.MaxSize {
			return "", &PolicyError{Kind: PolicySize, Name: file.Name, Size: int64(len(buf)), MaxSize: policy.MaxSize}
		}
		body = bytes.NewReader(buf)
	}

	name := destPath
	if name == "" {
		name = u.generateName(file.Name, detected)
	}

	if err := u.blobs.Put(ctx, name, contentType, body); err != nil {
		return "", fmt.Errorf("inbox: upload %s to %s: %w", name, u.blobs.Bucket(), err)
	}

	u.opts.logger.Debug("file uploaded", "bucket", u.blobs.Bucket(), "key", name, "content_type", contentType)
	return u.blobs.PublicURL(name), nil
}

// generateName returns <unix-millis>-<base36 random>[.<ext>].
func (u *Uploader) generateName(original string, detected *mimetype.MIME) string {
	name := strconv.FormatInt(u.now().UnixMilli(), 10) + "-" + strconv.FormatUint(u.rand()>>24, 36)
	ext := path.Ext(path.Base(original))
	if ext == "" && detected != nil {
		ext = detected.Extension()
	}
	return name + ext
}

// UploadMultiple uploads files concurrently and returns one result per file
// in input order. A failed file does not stop the others.
//
// With a non-empty pathPrefix each file is stored at
// <pathPrefix>/<index>-<name>; otherwise names are generated.
func (u *Uploader) UploadMultiple(ctx context.Context, files []File, pathPrefix string) []UploadResult {
	results := make([]UploadResult, len(files))

	var g errgroup.Group
	g.SetLimit(u.opts.maxConcurrent)
	for i, f := range files {
		results[i] = UploadResult{Index: i, Name: f.Name}
		g.Go(func() error {
			url, err := u.Upload(ctx, f, indexedPath(pathPrefix, i, f.Name))
			results[i].URL = url
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// indexedPath builds <prefix>/<index>-<base name>, or "" without a prefix.
func indexedPath(prefix string, index int, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	base := path.Base("/" + name)
	if base == "/" || base == "." {
		base = "file"
	}
	return prefix + "/" + strconv.Itoa(index) + "-" + base
}

// Delete removes a stored object by name.
func (u *Uploader) Delete(ctx context.Context, name string) error {
	if err := u.blobs.Delete(ctx, name); err != nil {
		err = fmt.Errorf("inbox: delete %s from %s: %w", name, u.blobs.Bucket(), err)
		u.notify(ctx, Notice{
			Level:   NoticeError,
			Op:      "delete_file",
			Message: fmt.Sprintf("Failed to delete %s", name),
			Err:     err,
		})
		return err
	}
	u.notify(ctx, Notice{
		Level:   NoticeSuccess,
		Op:      "delete_file",
		Message: fmt.Sprintf("Deleted %s", name),
	})
	return nil
}

func (u *Uploader) notify(ctx context.Context, n Notice) {
	if n.UserID == "" {
		n.UserID = UserIDFromContext(ctx)
	}
	report(ctx, u.opts.reporter, u.opts.logger, n)
}

func displayName(name string) string {
	if name == "" {
		return "file"
	}
	return name
}
