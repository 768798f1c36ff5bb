package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"rentalconnect-realtime/internal/database"
	"rentalconnect-realtime/pkg/constants"
)

const onlineSetKey = "presence:online"

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// PresenceRepository tracks which users hold a live relay connection. The
// per-user key expires after constants.PresenceTTL unless refreshed, so a
// crashed instance cannot leave users online forever.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence key: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsUserOnline reports whether the user's presence key is alive
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return n > 0, nil
}

// RefreshPresence extends the presence TTL (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	ok, err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		// Key expired between heartbeats
		return r.SetUserOnline(ctx, userID)
	}
	return nil
}

// GetOnlineCount returns the size of the online set. Entries whose key has
// expired are only removed by SetUserOffline, so this is an upper bound.
func (r *PresenceRepository) GetOnlineCount(ctx context.Context) (int64, error) {
	n, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return n, nil
}

// IsDegraded reports whether presence answers can be trusted
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
