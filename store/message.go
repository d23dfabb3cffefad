package store

import (
	"time"
)

// Message is a stored message row.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Subject     string    `json:"subject"`
	Content     string    `json:"content"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
	Attachments []string  `json:"attachments,omitempty"`
}

// Involves reports whether userID is the sender or the recipient.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = make([]string, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	return c
}

// Validate checks the fields a store requires before insert.
func (m Message) Validate() error {
	if m.SenderID == "" || m.RecipientID == "" {
		return ErrInvalidMessage
	}
	return nil
}

// ChangeOp is the kind of row change.
type ChangeOp string

// Change operations.
const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change describes a row-level change. It identifies the row and both
// participants so a feed can route it.
type Change struct {
	Op          ChangeOp `json:"op"`
	MessageID   string   `json:"message_id"`
	SenderID    string   `json:"sender_id"`
	RecipientID string   `json:"recipient_id"`
}

// Involves reports whether userID is a participant of the changed row.
func (c Change) Involves(userID string) bool {
	return c.SenderID == userID || c.RecipientID == userID
}

// ChangeFor builds a Change from a message.
func ChangeFor(op ChangeOp, m Message) Change {
	return Change{
		Op:          op,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
	}
}
