package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is a stored chat message. Maps to the Cassandra messages table,
// partitioned by chat and monthly bucket.
type Message struct {
	MessageID       uuid.UUID `json:"message_id" cql:"message_id"`
	ChatID          uuid.UUID `json:"chat_id" cql:"chat_id"`
	Bucket          int       `json:"-" cql:"bucket"`
	SenderID        uuid.UUID `json:"sender_id" cql:"sender_id"`
	ReceiverID      uuid.UUID `json:"receiver_id" cql:"receiver_id"`
	AccommodationID string    `json:"accommodation_id" cql:"accommodation_id"`
	Content         string    `json:"content" cql:"content"`
	CreatedAt       time.Time `json:"created_at" cql:"created_at"`
}

// CalculateBucket returns the yyyymm partition bucket for a timestamp
func CalculateBucket(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}

// ConversationMessage is the client-side view of a chat message. Ids are
// normalized at decode time, see ID.
type ConversationMessage struct {
	ID              ID        `json:"id"`
	SenderID        ID        `json:"senderId"`
	ReceiverID      ID        `json:"receiverId"`
	AccommodationID ID        `json:"accommodationId"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ToConversationMessage converts a stored message into its wire/client form
func (m *Message) ToConversationMessage() ConversationMessage {
	return ConversationMessage{
		ID:              IDFromUUID(m.MessageID),
		SenderID:        IDFromUUID(m.SenderID),
		ReceiverID:      IDFromUUID(m.ReceiverID),
		AccommodationID: ID(m.AccommodationID),
		Text:            m.Content,
		CreatedAt:       m.CreatedAt,
	}
}

// Counterpart returns the other party of a message relative to self
func (m ConversationMessage) Counterpart(self ID) ID {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}
