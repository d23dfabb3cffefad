package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for inbox events.
const (
	EventNameMessageSent        = "inbox.message.sent"
	EventNameMessageRead        = "inbox.message.read"
	EventNameMessageDeleted     = "inbox.message.deleted"
	EventNameAttachmentUploaded = "inbox.attachment.uploaded"
)

// MessageSentEvent is published after a message is inserted.
type MessageSentEvent struct {
	MessageID       string    `json:"message_id"`
	SenderID        string    `json:"sender_id"`
	RecipientID     string    `json:"recipient_id"`
	Subject         string    `json:"subject"`
	AttachmentCount int       `json:"attachment_count"`
	SentAt          time.Time `json:"sent_at"`
}

// MessageReadEvent is published when the recipient marks a message as read.
// Use this for read receipts.
type MessageReadEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MessageDeletedEvent is published after a message is deleted.
// Deletes are permanent.
type MessageDeletedEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// AttachmentUploadedEvent is published for every stored attachment or avatar.
type AttachmentUploadedEvent struct {
	UserID     string    `json:"user_id"`
	Bucket     string    `json:"bucket"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MessageSent.Subscribe(ctx, handler)
//	svc.Events().MessageRead.Subscribe(ctx, handler)
type ServiceEvents struct {
	MessageSent        event.Event[MessageSentEvent]
	MessageRead        event.Event[MessageReadEvent]
	MessageDeleted     event.Event[MessageDeletedEvent]
	AttachmentUploaded event.Event[AttachmentUploadedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageSent:        event.New[MessageSentEvent](namePrefix + "." + EventNameMessageSent),
		MessageRead:        event.New[MessageReadEvent](namePrefix + "." + EventNameMessageRead),
		MessageDeleted:     event.New[MessageDeletedEvent](namePrefix + "." + EventNameMessageDeleted),
		AttachmentUploaded: event.New[AttachmentUploadedEvent](namePrefix + "." + EventNameAttachmentUploaded),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageSent); err != nil {
		return fmt.Errorf("register MessageSent: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageRead); err != nil {
		return fmt.Errorf("register MessageRead: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageDeleted); err != nil {
		return fmt.Errorf("register MessageDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.AttachmentUploaded); err != nil {
		return fmt.Errorf("register AttachmentUploaded: %w", err)
	}
	return nil
}

// publishEvent publishes data on ev. The caller checks that the bus is
// initialized. Failures go to the publish-failure
// callback and, with WithEventErrorsFatal, are returned as *EventPublishError.
func publishEvent[T any](ctx context.Context, s *Service, ev event.Event[T], name, messageID string, data T) error {
	err := ev.Publish(ctx, data)
	if err == nil {
		return nil
	}
	s.opts.safeEventPublishFailure(name, err)
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: name, MessageID: messageID, Err: err}
	}
	return nil
}
