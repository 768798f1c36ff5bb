package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"rentalconnect-realtime/internal/database"
	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/pkg/resilience"
)

// MessagesSchema creates the message table. Partitions are (chat, month) so
// a busy thread never grows one partition without bound.
const MessagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	chat_id          uuid,
	bucket           int,
	created_at       timestamp,
	message_id       uuid,
	sender_id        uuid,
	receiver_id      uuid,
	accommodation_id text,
	content          text,
	PRIMARY KEY ((chat_id, bucket), created_at, message_id)
) WITH CLUSTERING ORDER BY (created_at DESC, message_id DESC)`

// MessageRepository handles message storage in Cassandra. Reads and writes
// go through the breaker when one is given.
type MessageRepository struct {
	db      *database.CassandraDB
	breaker *resilience.Breaker
}

// NewMessageRepository creates a new MessageRepository; breaker may be nil
func NewMessageRepository(db *database.CassandraDB, breaker *resilience.Breaker) *MessageRepository {
	return &MessageRepository{db: db, breaker: breaker}
}

// EnsureSchema creates the messages table if missing
func (r *MessageRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.Exec(ctx, MessagesSchema); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

// Save inserts a new message, filling id, timestamp and bucket when unset
func (r *MessageRepository) Save(ctx context.Context, message *domain.Message) error {
	if message.MessageID == uuid.Nil {
		message.MessageID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Bucket == 0 {
		message.Bucket = domain.CalculateBucket(message.CreatedAt)
	}

	query := `
		INSERT INTO messages (
			chat_id, bucket, created_at, message_id,
			sender_id, receiver_id, accommodation_id, content
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := r.breaker.Execute(ctx, "save_message", func(ctx context.Context) error {
		return r.db.Exec(ctx, query,
			gocql.UUID(message.ChatID),
			message.Bucket,
			message.CreatedAt,
			gocql.UUID(message.MessageID),
			gocql.UUID(message.SenderID),
			gocql.UUID(message.ReceiverID),
			message.AccommodationID,
			message.Content,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListByChat reads one page of a single bucket, newest first. The returned
// page state is empty once the bucket is exhausted.
func (r *MessageRepository) ListByChat(
	ctx context.Context,
	chatID uuid.UUID,
	bucket int,
	limit int,
	pageState []byte,
) ([]*domain.Message, []byte, error) {
	query := `
		SELECT chat_id, bucket, created_at, message_id,
		       sender_id, receiver_id, accommodation_id, content
		FROM messages
		WHERE chat_id = ? AND bucket = ?
	`
	var (
		messages []*domain.Message
		next     []byte
	)
	err := r.breaker.Execute(ctx, "list_messages", func(ctx context.Context) error {
		messages, next = nil, nil
		iter := r.db.Query(ctx, query, gocql.UUID(chatID), bucket).
			PageSize(limit).
			PageState(pageState).
			Iter()

		for {
			var chat, id, sender, receiver gocql.UUID
			m := &domain.Message{}
			if !iter.Scan(&chat, &m.Bucket, &m.CreatedAt, &id, &sender, &receiver, &m.AccommodationID, &m.Content) {
				break
			}
			m.ChatID = uuid.UUID(chat)
			m.MessageID = uuid.UUID(id)
			m.SenderID = uuid.UUID(sender)
			m.ReceiverID = uuid.UUID(receiver)
			messages = append(messages, m)
		}

		next = iter.PageState()
		return iter.Close()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, next, nil
}

// PreviousBucket returns the bucket of the month before bucket
func PreviousBucket(bucket int) int {
	year, month := bucket/100, bucket%100
	if month <= 1 {
		return (year-1)*100 + 12
	}
	return year*100 + month - 1
}
