// Package chat implements the server side of accommodation chat threads:
// opening threads, paging history out of Cassandra and delivering new
// messages to both participants over the realtime relay.
package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/repository/cassandra"
	"rentalconnect-realtime/internal/signaling"
	"rentalconnect-realtime/pkg/cache"
	"rentalconnect-realtime/pkg/constants"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
	"rentalconnect-realtime/pkg/pagination"
	"rentalconnect-realtime/pkg/sanitize"
)

// ChatRepository stores thread metadata
type ChatRepository interface {
	GetOrCreate(ctx context.Context, accommodationID string, opener, counterpart uuid.UUID) (*domain.Chat, error)
	GetByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Chat, error)
	UpdateLastMessage(ctx context.Context, chatID uuid.UUID, text string, at time.Time) error
}

// MessageRepository stores message bodies in monthly buckets
type MessageRepository interface {
	Save(ctx context.Context, message *domain.Message) error
	ListByChat(ctx context.Context, chatID uuid.UUID, bucket int, limit int, pageState []byte) ([]*domain.Message, []byte, error)
}

// Pusher delivers a server-originated event to every connection of a user
type Pusher interface {
	Push(userID uuid.UUID, event string, payload any)
}

// Service handles chat business logic
type Service struct {
	chats    ChatRepository
	messages MessageRepository
	pusher   Pusher
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	// Participants never change, so chats read for access checks are cached
	known *cache.Memory[uuid.UUID, *domain.Chat]
}

const (
	chatCacheTTL  = 10 * time.Minute
	chatCacheSize = 10000
)

// NewService creates a new chat service. pusher may be nil, in which case
// messages are only persisted.
func NewService(chats ChatRepository, messages MessageRepository, pusher Pusher, m *metrics.Metrics) *Service {
	return &Service{
		chats:    chats,
		messages: messages,
		pusher:   pusher,
		metrics:  m,
		log:      logger.Named("chat-service"),
		now:      func() time.Time { return time.Now().UTC() },
		known:    cache.NewMemory[uuid.UUID, *domain.Chat](chatCacheTTL, chatCacheSize),
	}
}

// OpenChat returns the thread between userID and counterpartID about an
// accommodation, creating it on first contact.
func (s *Service) OpenChat(ctx context.Context, userID uuid.UUID, accommodationID string, counterpartID uuid.UUID) (*domain.ChatView, error) {
	accommodationID = strings.TrimSpace(accommodationID)
	if accommodationID == "" {
		return nil, apperrors.MissingFieldError("accommodation_id")
	}
	if counterpartID == uuid.Nil {
		return nil, apperrors.MissingFieldError("counterpart_id")
	}
	if counterpartID == userID {
		return nil, apperrors.ValidationError("cannot open a chat with yourself")
	}

	chat, err := s.chats.GetOrCreate(ctx, accommodationID, userID, counterpartID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	s.known.Set(chat.ChatID, chat, 0)
	view := chat.ViewFor(userID)
	return &view, nil
}

// ListChats returns the user's threads, most recent activity first
func (s *Service) ListChats(ctx context.Context, userID uuid.UUID) ([]domain.ChatView, error) {
	chats, err := s.chats.ListForUser(ctx, userID, constants.MaxPageSize)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	views := make([]domain.ChatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, c.ViewFor(userID))
	}
	return views, nil
}

// MessagesPage is one page of history in chronological order
type MessagesPage struct {
	Messages      []domain.ConversationMessage `json:"messages"`
	NextPageState string                       `json:"next_page_state,omitempty"`
	HasMore       bool                         `json:"has_more"`
}

// GetMessages pages backwards through a thread. A page may span month
// buckets; the walk stops at the bucket the chat was created in.
func (s *Service) GetMessages(ctx context.Context, userID, chatID uuid.UUID, limit int, pageToken string) (*MessagesPage, error) {
	chat, err := s.participantChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit)

	cursor := pagination.Cursor{Bucket: domain.CalculateBucket(s.now())}
	if pageToken != "" {
		if cursor, err = pagination.DecodeCursor(pageToken); err != nil {
			return nil, apperrors.ValidationError(err.Error())
		}
	}
	oldest := domain.CalculateBucket(chat.CreatedAt)

	var collected []*domain.Message
	next := ""
	for {
		batch, state, err := s.messages.ListByChat(ctx, chatID, cursor.Bucket, limit-len(collected), cursor.State)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		collected = append(collected, batch...)

		if len(state) > 0 {
			cursor.State = state
		} else if cursor.Bucket > oldest {
			cursor = pagination.Cursor{Bucket: cassandra.PreviousBucket(cursor.Bucket)}
		} else {
			break
		}
		if len(collected) >= limit {
			next = cursor.Encode()
			break
		}
	}

	out := make([]domain.ConversationMessage, 0, len(collected))
	for _, m := range collected {
		out = append(out, m.ToConversationMessage())
	}
	slices.Reverse(out)

	return &MessagesPage{
		Messages:      out,
		NextPageState: next,
		HasMore:       next != "",
	}, nil
}

// SendMessage persists a message from userID and pushes it to both
// participants. Delivery is best effort; the stored message is returned
// either way.
func (s *Service) SendMessage(ctx context.Context, userID, chatID uuid.UUID, text string) (*domain.ConversationMessage, error) {
	text = sanitize.MessageText(text)
	if text == "" {
		return nil, apperrors.MissingFieldError("text")
	}
	if !sanitize.ValidateStringLength(text, 1, constants.MaxMessageLength) {
		return nil, apperrors.ValidationError("message is too long")
	}

	chat, err := s.participantChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	message := &domain.Message{
		MessageID:       uuid.New(),
		ChatID:          chat.ChatID,
		Bucket:          domain.CalculateBucket(now),
		SenderID:        userID,
		ReceiverID:      chat.Counterpart(userID),
		AccommodationID: chat.AccommodationID,
		Content:         text,
		CreatedAt:       now,
	}
	if err := s.messages.Save(ctx, message); err != nil {
		s.metrics.RecordChatMessage("store_failed")
		return nil, apperrors.DatabaseError(err)
	}
	s.metrics.RecordChatMessage("stored")

	if err := s.chats.UpdateLastMessage(ctx, chat.ChatID, text, now); err != nil {
		s.log.Warn("Failed to update chat preview",
			zap.String("chat_id", chat.ChatID.String()),
			zap.Error(err))
	}

	wire := message.ToConversationMessage()
	if s.pusher != nil {
		payload := signaling.MessagePayload{
			AccommodationID: wire.AccommodationID,
			Message:         &wire,
		}
		s.pusher.Push(message.ReceiverID, signaling.EventNewMessage, payload)
		s.pusher.Push(message.SenderID, signaling.EventNewMessage, payload)
	}
	return &wire, nil
}

func (s *Service) participantChat(ctx context.Context, userID, chatID uuid.UUID) (*domain.Chat, error) {
	chat, ok := s.known.Get(chatID)
	if !ok {
		var err error
		chat, err = s.chats.GetByID(ctx, chatID)
		if err != nil {
			if apperrors.IsAppError(err) {
				return nil, err
			}
			return nil, apperrors.DatabaseError(err)
		}
		s.known.Set(chatID, chat, 0)
	}
	if !chat.HasParticipant(userID) {
		return nil, apperrors.ForbiddenError("not a participant of this chat")
	}
	return chat, nil
}
