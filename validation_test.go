package inbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/educpro/inbox/store/memory"
)

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"parent-1", false},
		{"user@school.edu", false},
		{"", true},
		{"   ", true},
		{"a:b", true},
		{"a/b", true},
		{"tab\tid", true},
	}
	for _, tt := range tests {
		err := ValidateRecipient(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRecipient(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("ValidateRecipient(%q): expected ErrInvalidRecipient, got %v", tt.id, err)
		}
	}
}

func TestValidateSubject(t *testing.T) {
	limits := MessageLimits{MaxSubjectLength: 10, MaxContentSize: 100, MaxAttachmentCount: 2}

	tests := []struct {
		name    string
		subject string
		want    error
	}{
		{"valid", "Homework", nil},
		{"unicode at limit", "ññññññññññ", nil},
		{"blank", " \t ", ErrEmptySubject},
		{"too long", "abcdefghijk", ErrSubjectTooLong},
		{"control char", "bell\x07", ErrInvalidMessage},
		{"invalid utf8", "bad\xff", ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubject(tt.subject, limits)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateContent(t *testing.T) {
	limits := MessageLimits{MaxSubjectLength: 10, MaxContentSize: 16, MaxAttachmentCount: 2}

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"valid", "See you Monday.", nil},
		{"too large", "line one\nline two", ErrContentTooLarge},
		{"blank", "\n\n", ErrEmptyContent},
		{"null byte", "a\x00b", ErrInvalidMessage},
		{"invalid utf8", "\xff\xfe", ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content, limits)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSendRequest(t *testing.T) {
	limits := DefaultLimits()
	valid := SendRequest{RecipientID: "parent-1", Subject: "Hi", Content: "Hello"}

	if err := ValidateSendRequest(valid, limits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tooMany := valid
	tooMany.Attachments = make([]File, limits.MaxAttachmentCount+1)
	err := ValidateSendRequest(tooMany, limits)
	if !errors.Is(err, ErrTooManyAttachments) {
		t.Errorf("expected ErrTooManyAttachments, got %v", err)
	}
	if msg := validationMessage(err); !strings.Contains(msg, "exceeds max 10") {
		t.Errorf("unexpected message %q", msg)
	}

	// Recipient is checked before subject.
	both := SendRequest{Subject: "", Content: "x"}
	if err := ValidateSendRequest(both, limits); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient first, got %v", err)
	}
}

func TestServiceLimits(t *testing.T) {
	svc, err := NewService(WithStore(memory.New()), WithMaxSubjectLength(20), WithMaxContentSize(0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	got := svc.limits()
	if got.MaxSubjectLength != 20 {
		t.Errorf("expected subject limit 20, got %d", got.MaxSubjectLength)
	}
	if got.MaxContentSize != DefaultMaxContentSize {
		t.Errorf("expected default content size for non-positive input, got %d", got.MaxContentSize)
	}
}

func TestNormalizeMIMEType(t *testing.T) {
	tests := map[string]string{
		"":                           "",
		"image/PNG":                  "image/png",
		" text/plain; charset=utf-8": "text/plain",
	}
	for in, want := range tests {
		if got := normalizeMIMEType(in); got != want {
			t.Errorf("normalizeMIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}
