package inbox

import "github.com/educpro/inbox/store"

// Participant is the display form of a message sender or recipient.
// Name and AvatarURL are empty when no Directory is configured or the
// lookup failed.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is a stored message joined with participant display data.
type Message struct {
	store.Message
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Message = m.Message.Clone()
	return m
}

// newMessage wraps a stored message with bare participants.
func newMessage(sm store.Message) Message {
	return Message{
		Message:   sm,
		Sender:    Participant{ID: sm.SenderID},
		Recipient: Participant{ID: sm.RecipientID},
	}
}
