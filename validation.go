package inbox

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MessageLimits holds all send validation limits.
type MessageLimits struct {
	MaxSubjectLength   int // characters
	MaxContentSize     int // bytes
	MaxAttachmentCount int
}

// DefaultLimits returns the default message limits.
func DefaultLimits() MessageLimits {
	return MessageLimits{
		MaxSubjectLength:   DefaultMaxSubjectLength,
		MaxContentSize:     DefaultMaxContentSize,
		MaxAttachmentCount: DefaultMaxAttachmentCount,
	}
}

func (s *Service) limits() MessageLimits {
	return MessageLimits{
		MaxSubjectLength:   s.opts.maxSubjectLength,
		MaxContentSize:     s.opts.maxContentSize,
		MaxAttachmentCount: s.opts.maxAttachmentCount,
	}
}

// ValidateRecipient validates the recipient id.
func ValidateRecipient(recipientID string) error {
	if strings.TrimSpace(recipientID) == "" {
		return &ValidationError{Field: "recipient", Message: "recipient is required", Err: ErrInvalidRecipient}
	}
	if !isValidUserID(recipientID) {
		return &ValidationError{Field: "recipient", Message: "recipient id contains invalid characters", Err: ErrInvalidRecipient}
	}
	return nil
}

// ValidateSubject validates a subject against limits.
// The subject must be non-blank after trimming.
func ValidateSubject(subject string, limits MessageLimits) error {
	if strings.TrimSpace(subject) == "" {
		return &ValidationError{Field: "subject", Message: "subject is required", Err: ErrEmptySubject}
	}
	if !utf8.ValidString(subject) {
		return &ValidationError{Field: "subject", Message: "subject contains invalid UTF-8"}
	}
	if n := utf8.RuneCountInString(subject); n > limits.MaxSubjectLength {
		return &ValidationError{
			Field:   "subject",
			Message: fmt.Sprintf("subject length %d exceeds max %d", n, limits.MaxSubjectLength),
			Err:     ErrSubjectTooLong,
		}
	}
	for _, r := range subject {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return &ValidationError{Field: "subject", Message: fmt.Sprintf("subject contains control character U+%04X", r)}
		}
	}
	return nil
}

// ValidateContent validates message content against limits.
// The content must be non-blank after trimming.
func ValidateContent(content string, limits MessageLimits) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "content is required", Err: ErrEmptyContent}
	}
	if len(content) > limits.MaxContentSize {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content size %d exceeds max %d bytes", len(content), limits.MaxContentSize),
			Err:     ErrContentTooLarge,
		}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Field: "content", Message: "content contains invalid UTF-8"}
	}
	if strings.ContainsRune(content, '\x00') {
		return &ValidationError{Field: "content", Message: "content contains null bytes"}
	}
	return nil
}

// ValidateSendRequest validates everything about req except the
// attachment files themselves, which the upload policy checks.
func ValidateSendRequest(req SendRequest, limits MessageLimits) error {
	if err := ValidateRecipient(req.RecipientID); err != nil {
		return err
	}
	if err := ValidateSubject(req.Subject, limits); err != nil {
		return err
	}
	if err := ValidateContent(req.Content, limits); err != nil {
		return err
	}
	if len(req.Attachments) > limits.MaxAttachmentCount {
		return &ValidationError{
			Field:   "attachments",
			Message: fmt.Sprintf("attachment count %d exceeds max %d", len(req.Attachments), limits.MaxAttachmentCount),
			Err:     ErrTooManyAttachments,
		}
	}
	return nil
}

// validationMessage returns the human-readable part of a validation error.
func validationMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

// normalizeMIMEType extracts the base MIME type without parameters.
// e.g., "text/plain; charset=utf-8" -> "text/plain"
func normalizeMIMEType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return ""
	}
	parts := strings.SplitN(ct, ";", 2)
	return strings.ToLower(strings.TrimSpace(parts[0]))
}

// matchMIMEType checks if contentType matches the pattern.
// A pattern is a prefix ("image/", "application/pdf") or a wildcard
// ("image/*").
func matchMIMEType(contentType, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(contentType, strings.TrimSuffix(pattern, "*"))
	}
	return strings.HasPrefix(contentType, pattern)
}
