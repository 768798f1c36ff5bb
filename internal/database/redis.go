package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rentalconnect-realtime/pkg/config"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

var errDegraded = fmt.Errorf("redis is in degraded mode")

// RedisClient wraps the Redis client with degraded mode support. While
// degraded, Safe* calls fail fast instead of waiting on timeouts; presence
// and cross-instance fan-out are skipped and the relay keeps serving local
// connections.
type RedisClient struct {
	Client  *redis.Client
	metrics *metrics.Metrics

	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
}

// NewRedisClient creates a client from config. The connection is not tested
// here; call HealthCheck to establish the initial state.
func NewRedisClient(cfg *config.RedisConfig, m *metrics.Metrics) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return NewRedisClientFrom(client, m)
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(client *redis.Client, m *metrics.Metrics) *RedisClient {
	return &RedisClient{Client: client, metrics: m}
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck pings every interval until ctx is done; this is how
// degraded mode is left again
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Debug("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded reports whether the last health check failed
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	changed := r.degradedMode != degraded
	r.degradedMode = degraded
	r.degradedModeMu.Unlock()

	if !changed {
		return
	}
	r.metrics.SetRedisDegraded(degraded)
	if degraded {
		logger.Warn("Redis unavailable, entering degraded mode")
	} else {
		logger.Info("Redis reachable, leaving degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are
// serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.Client.Ping(healthCtx).Err()
	r.metrics.RecordRedisHealthCheck(err == nil)
	if err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.setDegradedState(false)
	return nil
}

// The Safe* calls below fail fast with errDegraded while degraded, without
// touching the network.

func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", errDegraded)
	}
	return r.Client.Set(ctx, key, value, expiration)
}

func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.Del(ctx, keys...)
}

func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, errDegraded)
	}
	return r.Client.Expire(ctx, key, expiration)
}

func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.Exists(ctx, keys...)
}

func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.SAdd(ctx, key, members...)
}

func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.SRem(ctx, key, members...)
}

func (r *RedisClient) SafeSCard(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.SCard(ctx, key)
}

func (r *RedisClient) SafePublish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded)
	}
	return r.Client.Publish(ctx, channel, message)
}

// Subscribe subscribes to channels. Subscriptions are long-lived, so this is
// not gated on degraded mode; go-redis reconnects them on its own.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.Client.Subscribe(ctx, channels...)
}
