package domain

import (
	"time"

	"github.com/google/uuid"
)

// Chat is a one-to-one conversation about a single accommodation
type Chat struct {
	ChatID          uuid.UUID `json:"chat_id"`
	AccommodationID string    `json:"accommodation_id"`
	GuestID         uuid.UUID `json:"guest_id"`
	HostID          uuid.UUID `json:"host_id"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasParticipant reports whether the user takes part in the chat
func (c *Chat) HasParticipant(userID uuid.UUID) bool {
	return c.GuestID == userID || c.HostID == userID
}

// Counterpart returns the other participant
func (c *Chat) Counterpart(userID uuid.UUID) uuid.UUID {
	if c.GuestID == userID {
		return c.HostID
	}
	return c.GuestID
}

// ConversationSummary is one entry of the client-side chat list
type ConversationSummary struct {
	CounterpartID   ID        `json:"counterpartId"`
	AccommodationID ID        `json:"accommodationId"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	Unread          int       `json:"unread"`
}

// ChatView is a chat as seen by one participant
type ChatView struct {
	ChatID          ID        `json:"chat_id"`
	AccommodationID ID        `json:"accommodation_id"`
	CounterpartID   ID        `json:"counterpart_id"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ViewFor returns the chat from userID's side
func (c *Chat) ViewFor(userID uuid.UUID) ChatView {
	return ChatView{
		ChatID:          IDFromUUID(c.ChatID),
		AccommodationID: ID(c.AccommodationID),
		CounterpartID:   IDFromUUID(c.Counterpart(userID)),
		LastMessage:     c.LastMessage,
		LastMessageAt:   c.LastMessageAt,
		CreatedAt:       c.CreatedAt,
	}
}
