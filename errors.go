package inbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/educpro/inbox/store"
)

// Sentinel errors for the inbox package.
// Use errors.Is() to check for these errors.
//
// Errors that have a store-level counterpart wrap it, so
// errors.Is(err, inbox.ErrNotFound) matches both.
var (
	// ErrNotFound is returned when a message cannot be found.
	ErrNotFound = fmt.Errorf("inbox: %w", store.ErrNotFound)

	// ErrInvalidID is returned when an id is malformed for the store.
	ErrInvalidID = fmt.Errorf("inbox: %w", store.ErrInvalidID)

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("inbox: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("inbox: %w", store.ErrAlreadyConnected)

	// ErrUnauthorized is returned when the session user may not perform an
	// operation on a message.
	ErrUnauthorized = errors.New("inbox: unauthorized")

	// ErrNotRecipient is returned by MarkRead when the session user is not
	// the recipient of the message.
	ErrNotRecipient = fmt.Errorf("%w: only the recipient can mark a message as read", ErrUnauthorized)

	// ErrStoreRequired is returned when no record store is configured.
	ErrStoreRequired = errors.New("inbox: store is required")

	// ErrNoSession is returned by Sync operations when no session is active.
	ErrNoSession = errors.New("inbox: no active session")

	// ErrSessionEnded is returned when a session ended or switched users
	// while an operation was in flight. The operation's result was discarded.
	ErrSessionEnded = errors.New("inbox: session ended")

	// ErrInvalidSession is returned when a session has no valid user id.
	ErrInvalidSession = errors.New("inbox: invalid session")

	// ErrInvalidMessage is returned for send validation failures.
	ErrInvalidMessage = errors.New("inbox: invalid message")

	// ErrInvalidRecipient is returned when the recipient id is missing or malformed.
	ErrInvalidRecipient = errors.New("inbox: invalid recipient")

	// ErrEmptySubject is returned when the subject is blank.
	ErrEmptySubject = errors.New("inbox: empty subject")

	// ErrEmptyContent is returned when the content is blank.
	ErrEmptyContent = errors.New("inbox: empty content")

	// ErrSubjectTooLong is returned when the subject exceeds the maximum length.
	ErrSubjectTooLong = errors.New("inbox: subject too long")

	// ErrContentTooLarge is returned when the content exceeds the maximum size.
	ErrContentTooLarge = errors.New("inbox: content too large")

	// ErrTooManyAttachments is returned when the attachment count exceeds the limit.
	ErrTooManyAttachments = errors.New("inbox: too many attachments")

	// ErrTypeNotAllowed is returned when a file's content type is outside
	// the upload allow-list.
	ErrTypeNotAllowed = errors.New("inbox: file type not allowed")

	// ErrFileTooLarge is returned when a file exceeds the upload size limit.
	ErrFileTooLarge = errors.New("inbox: file too large")

	// ErrUploaderNotConfigured is returned when an operation needs an
	// uploader that was not configured.
	ErrUploaderNotConfigured = errors.New("inbox: uploader not configured")

	// ErrAttachmentsFailed is returned when RequireAllAttachments is set and
	// at least one attachment failed to upload.
	ErrAttachmentsFailed = errors.New("inbox: attachment upload failed")
)

// PolicyKind identifies which upload policy check failed.
type PolicyKind string

// Upload policy checks, in evaluation order.
const (
	PolicyType PolicyKind = "type"
	PolicySize PolicyKind = "size"
)

// PolicyError is returned when a file fails the upload policy.
// The blob store is never called for such a file.
type PolicyError struct {
	Kind        PolicyKind
	Name        string
	ContentType string
	Size        int64
	MaxSize     int64
}

func (e *PolicyError) Error() string {
	switch e.Kind {
	case PolicyType:
		return fmt.Sprintf("inbox: %s: file type %q is not allowed", e.Name, e.ContentType)
	case PolicySize:
		return fmt.Sprintf("inbox: %s: file size %d exceeds limit of %d bytes", e.Name, e.Size, e.MaxSize)
	default:
		return fmt.Sprintf("inbox: %s: upload policy violated", e.Name)
	}
}

func (e *PolicyError) Unwrap() error {
	switch e.Kind {
	case PolicyType:
		return ErrTypeNotAllowed
	case PolicySize:
		return ErrFileTooLarge
	default:
		return nil
	}
}

// ValidationError describes a rejected send request field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inbox: invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidMessage
}

// Is lets every ValidationError match ErrInvalidMessage.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// AttachmentError is returned by Send under RequireAllAttachments when one
// or more attachments failed. Nothing was inserted.
type AttachmentError struct {
	Results []UploadResult
}

// Failed returns the results that carry an error.
func (e *AttachmentError) Failed() []UploadResult {
	var failed []UploadResult
	for _, r := range e.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

func (e *AttachmentError) Error() string {
	failed := e.Failed()
	var sb strings.Builder
	fmt.Fprintf(&sb, "inbox: %d of %d attachments failed", len(failed), len(e.Results))
	const maxShown = 3
	for i, r := range failed {
		if i == maxShown {
			fmt.Fprintf(&sb, "; ...and %d more", len(failed)-maxShown)
			break
		}
		fmt.Fprintf(&sb, "; %s: %v", r.Name, r.Err)
	}
	return sb.String()
}

func (e *AttachmentError) Unwrap() error {
	return ErrAttachmentsFailed
}

// EventPublishError is returned when an event fails to publish and
// WithEventErrorsFatal is enabled. The operation itself succeeded.
type EventPublishError struct {
	Event     string
	MessageID string
	Err       error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("inbox: publish %s for message %s: %v", e.Event, e.MessageID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsPolicyError reports whether err is an upload policy violation.
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidMessage) || IsPolicyError(err)
}

// mapStoreError converts store-level sentinels into their inbox counterparts,
// preserving the original error in the chain.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrInvalidID):
		return fmt.Errorf("%s: %w", op, ErrInvalidID)
	case errors.Is(err, store.ErrNotConnected):
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	default:
		return fmt.Errorf("inbox: %s: %w", op, err)
	}
}
