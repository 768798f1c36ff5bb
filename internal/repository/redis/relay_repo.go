package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/database"
	"rentalconnect-realtime/pkg/logger"
)

const relayChannelPrefix = "signal:user:"

func relayChannel(userID uuid.UUID) string {
	return relayChannelPrefix + userID.String()
}

// relayEnvelope is what travels over pub/sub between relay instances
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RelayRepository fans frames out to relay instances that hold the target
// user's connection. Each instance subscribes only to the users connected
// to it and ignores its own publications.
type RelayRepository struct {
	client *database.RedisClient
	origin string
	pubsub *redis.PubSub
}

// NewRelayRepository creates a relay bound to one instance id
func NewRelayRepository(ctx context.Context, client *database.RedisClient, origin string) *RelayRepository {
	return &RelayRepository{
		client: client,
		origin: origin,
		pubsub: client.Subscribe(ctx),
	}
}

// Publish sends frame to every other instance watching userID
func (r *RelayRepository) Publish(ctx context.Context, userID uuid.UUID, frame []byte) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	if err := r.client.SafePublish(ctx, relayChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Watch starts receiving frames addressed to userID
func (r *RelayRepository) Watch(ctx context.Context, userID uuid.UUID) error {
	return r.pubsub.Subscribe(ctx, relayChannel(userID))
}

// Unwatch stops receiving frames addressed to userID
func (r *RelayRepository) Unwatch(ctx context.Context, userID uuid.UUID) error {
	return r.pubsub.Unsubscribe(ctx, relayChannel(userID))
}

// Run delivers frames published by other instances until ctx is done or
// the subscription is closed.
func (r *RelayRepository) Run(ctx context.Context, deliver func(to uuid.UUID, frame []byte)) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			to, err := uuid.Parse(strings.TrimPrefix(msg.Channel, relayChannelPrefix))
			if err != nil {
				continue
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Dropping malformed relay envelope", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			deliver(to, env.Frame)
		}
	}
}

// Available reports whether Redis is usable for fan-out
func (r *RelayRepository) Available() bool {
	return !r.client.IsDegraded()
}

// Close closes the subscription
func (r *RelayRepository) Close() error {
	return r.pubsub.Close()
}
