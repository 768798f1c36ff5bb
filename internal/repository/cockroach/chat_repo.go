package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentalconnect-realtime/internal/domain"
	apperrors "rentalconnect-realtime/pkg/errors"
)

// ChatsSchema creates the chat table. A chat is unique per accommodation
// and (guest, host) pair.
const ChatsSchema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id          UUID PRIMARY KEY,
	accommodation_id STRING NOT NULL,
	guest_id         UUID NOT NULL,
	host_id          UUID NOT NULL,
	last_message     STRING NOT NULL DEFAULT '',
	last_message_at  TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (accommodation_id, guest_id, host_id),
	INDEX chats_guest_idx (guest_id),
	INDEX chats_host_idx (host_id)
)`

const chatColumns = `chat_id, accommodation_id, guest_id, host_id, last_message, last_message_at, created_at`

// ChatRepository handles chat thread metadata
type ChatRepository struct {
	pool *pgxpool.Pool
}

// NewChatRepository creates a new chat repository
func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// EnsureSchema creates the chats table if missing
func (r *ChatRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, ChatsSchema); err != nil {
		return fmt.Errorf("failed to create chats table: %w", err)
	}
	return nil
}

// GetOrCreate returns the chat between the two users about accommodationID,
// creating it with opener as guest when none exists in either direction.
func (r *ChatRepository) GetOrCreate(ctx context.Context, accommodationID string, opener, counterpart uuid.UUID) (*domain.Chat, error) {
	chat, err := r.findByPair(ctx, accommodationID, opener, counterpart)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}

	insert := `
		INSERT INTO chats (chat_id, accommodation_id, guest_id, host_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (accommodation_id, guest_id, host_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insert, uuid.New(), accommodationID, opener, counterpart, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	// Re-read so a concurrent insert wins consistently
	chat, err = r.findByPair(ctx, accommodationID, opener, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	return chat, nil
}

func (r *ChatRepository) findByPair(ctx context.Context, accommodationID string, a, b uuid.UUID) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + `
		FROM chats
		WHERE accommodation_id = $1
		  AND ((guest_id = $2 AND host_id = $3) OR (guest_id = $3 AND host_id = $2))
		ORDER BY created_at
		LIMIT 1`
	return scanChat(r.pool.QueryRow(ctx, query, accommodationID, a, b))
}

// GetByID retrieves a chat by ID
func (r *ChatRepository) GetByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE chat_id = $1`

	chat, err := scanChat(r.pool.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ChatNotFoundError()
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

// ListForUser returns the user's chats, most recent activity first
func (r *ChatRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Chat, error) {
	query := `SELECT ` + chatColumns + `
		FROM chats
		WHERE guest_id = $1 OR host_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// UpdateLastMessage stores the preview shown in chat lists. Older messages
// never overwrite a newer preview.
func (r *ChatRepository) UpdateLastMessage(ctx context.Context, chatID uuid.UUID, text string, at time.Time) error {
	query := `
		UPDATE chats
		SET last_message = $2, last_message_at = $3
		WHERE chat_id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)
	`
	if _, err := r.pool.Exec(ctx, query, chatID, text, at); err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}
	return nil
}

func scanChat(row pgx.Row) (*domain.Chat, error) {
	chat := &domain.Chat{}
	var lastAt *time.Time
	err := row.Scan(
		&chat.ChatID,
		&chat.AccommodationID,
		&chat.GuestID,
		&chat.HostID,
		&chat.LastMessage,
		&lastAt,
		&chat.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAt != nil {
		chat.LastMessageAt = *lastAt
	}
	return chat, nil
}
