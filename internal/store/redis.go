package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key written by the gateway.
const DefaultNamespace = "github-gateway"

type redisCommander interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore shares limiter windows and delivery locks across replicas.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// IncrementWindow counts one request for key. The first increment of a window
// sets its expiry; a key left without expiry is repaired on the next call.
func (s *RedisStore) IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (WindowCount, error) {
	if s == nil || s.client == nil {
		return WindowCount{}, fmt.Errorf("redis store is not initialized")
	}

	windowKey := s.prefixed("window:" + key)
	count, err := s.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return WindowCount{}, fmt.Errorf("increment window: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, windowKey, window).Err(); err != nil {
			return WindowCount{}, fmt.Errorf("set window ttl: %w", err)
		}
		return WindowCount{Count: count, ResetAt: now.Add(window)}, nil
	}

	ttl, err := s.client.PTTL(ctx, windowKey).Result()
	if err != nil {
		return WindowCount{}, fmt.Errorf("read window ttl: %w", err)
	}
	if ttl < 0 {
		if err := s.client.PExpire(ctx, windowKey, window).Err(); err != nil {
			return WindowCount{}, fmt.Errorf("set window ttl: %w", err)
		}
		ttl = window
	}
	return WindowCount{Count: count, ResetAt: now.Add(ttl)}, nil
}

// AcquireDedupLock records key for ttl with SET NX.
func (s *RedisStore) AcquireDedupLock(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}
	if ttl <= 0 {
		return true, nil
	}

	acquired, err := s.client.SetNX(ctx, s.prefixed("lock:dedup:"+key), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire dedup lock: %w", err)
	}
	return acquired, nil
}

// ReleaseDedupLock deletes the lock for key.
func (s *RedisStore) ReleaseDedupLock(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := s.client.Del(ctx, s.prefixed("lock:dedup:"+key)).Err(); err != nil {
		return fmt.Errorf("release dedup lock: %w", err)
	}
	return nil
}

// GC is a no-op; Redis expires windows and locks itself.
func (s *RedisStore) GC(time.Time) {}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}
