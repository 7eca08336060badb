package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedisClient struct {
	mu        sync.Mutex
	now       time.Time
	counters  map[string]int64
	strings   map[string]string
	expiresAt map[string]time.Time
	failIncr  error
	pingErr   error
}

func newFakeRedisClient(now time.Time) *fakeRedisClient {
	return &fakeRedisClient{
		now:       now,
		counters:  make(map[string]int64),
		strings:   make(map[string]string),
		expiresAt: make(map[string]time.Time),
	}
}

func (c *fakeRedisClient) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

func (c *fakeRedisClient) purgeIfExpiredLocked(key string) {
	expiry, ok := c.expiresAt[key]
	if ok && !c.now.Before(expiry) {
		delete(c.counters, key)
		delete(c.strings, key)
		delete(c.expiresAt, key)
	}
}

func (c *fakeRedisClient) Incr(_ context.Context, key string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failIncr != nil {
		return redis.NewIntResult(0, c.failIncr)
	}
	c.purgeIfExpiredLocked(key)
	c.counters[key]++
	return redis.NewIntResult(c.counters[key], nil)
}

func (c *fakeRedisClient) PExpire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	_, isCounter := c.counters[key]
	_, isString := c.strings[key]
	if !isCounter && !isString {
		return redis.NewBoolResult(false, nil)
	}
	c.expiresAt[key] = c.now.Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (c *fakeRedisClient) PTTL(_ context.Context, key string) *redis.DurationCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	_, isCounter := c.counters[key]
	_, isString := c.strings[key]
	if !isCounter && !isString {
		return redis.NewDurationResult(-2, nil)
	}
	expiry, ok := c.expiresAt[key]
	if !ok {
		return redis.NewDurationResult(-1, nil)
	}
	return redis.NewDurationResult(expiry.Sub(c.now), nil)
}

func (c *fakeRedisClient) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	if _, exists := c.strings[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	c.strings[key] = value.(string)
	if expiration > 0 {
		c.expiresAt[key] = c.now.Add(expiration)
	}
	return redis.NewBoolResult(true, nil)
}

func (c *fakeRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := c.strings[key]; ok {
			deleted++
		}
		delete(c.strings, key)
		delete(c.counters, key)
		delete(c.expiresAt, key)
	}
	return redis.NewIntResult(deleted, nil)
}

func (c *fakeRedisClient) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", c.pingErr)
}

func TestRedisStoreIncrementWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	client := newFakeRedisClient(now)
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{Namespace: "test"})
	ctx := context.Background()

	first, err := store.IncrementWindow(ctx, "client-a", time.Minute, now)
	if err != nil {
		t.Fatalf("IncrementWindow() unexpected error: %v", err)
	}
	if first.Count != 1 || !first.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("first = %+v, want count 1 reset %s", first, now.Add(time.Minute))
	}
	if _, ok := client.expiresAt["test:window:client-a"]; !ok {
		t.Fatalf("window key has no expiry")
	}

	client.Advance(20 * time.Second)
	second, err := store.IncrementWindow(ctx, "client-a", time.Minute, now.Add(20*time.Second))
	if err != nil {
		t.Fatalf("IncrementWindow() unexpected error: %v", err)
	}
	if second.Count != 2 {
		t.Fatalf("second.Count = %d, want 2", second.Count)
	}
	if !second.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("second.ResetAt = %s, want %s", second.ResetAt, now.Add(time.Minute))
	}

	client.Advance(40 * time.Second)
	third, err := store.IncrementWindow(ctx, "client-a", time.Minute, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("IncrementWindow() unexpected error: %v", err)
	}
	if third.Count != 1 {
		t.Fatalf("third.Count = %d, want 1 after window expiry", third.Count)
	}
}

func TestRedisStoreIncrementWindowRepairsMissingTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	client := newFakeRedisClient(now)
	client.counters["github-gateway:window:client-a"] = 4
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{})

	got, err := store.IncrementWindow(context.Background(), "client-a", time.Minute, now)
	if err != nil {
		t.Fatalf("IncrementWindow() unexpected error: %v", err)
	}
	if got.Count != 5 {
		t.Fatalf("Count = %d, want 5", got.Count)
	}
	if !got.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("ResetAt = %s, want %s", got.ResetAt, now.Add(time.Minute))
	}
	if _, ok := client.expiresAt["github-gateway:window:client-a"]; !ok {
		t.Fatalf("missing ttl was not repaired")
	}
}

func TestRedisStoreIncrementWindowError(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient(time.Unix(1739836800, 0))
	client.failIncr = errors.New("connection refused")
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{})

	_, err := store.IncrementWindow(context.Background(), "client-a", time.Minute, time.Unix(1739836800, 0))
	if err == nil || !strings.Contains(err.Error(), "increment window") {
		t.Fatalf("IncrementWindow() error = %v, want increment window error", err)
	}
}

func TestRedisStoreDedupLock(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	client := newFakeRedisClient(now)
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{})
	ctx := context.Background()

	first, err := store.AcquireDedupLock(ctx, "delivery-1", time.Hour, now)
	if err != nil {
		t.Fatalf("AcquireDedupLock() unexpected error: %v", err)
	}
	second, _ := store.AcquireDedupLock(ctx, "delivery-1", time.Hour, now)
	if !first || second {
		t.Fatalf("AcquireDedupLock() = (%t, %t), want (true, false)", first, second)
	}

	if err := store.ReleaseDedupLock(ctx, "delivery-1"); err != nil {
		t.Fatalf("ReleaseDedupLock() unexpected error: %v", err)
	}
	third, _ := store.AcquireDedupLock(ctx, "delivery-1", time.Hour, now)
	if !third {
		t.Fatalf("AcquireDedupLock() after release = false, want true")
	}

	client.Advance(time.Hour)
	fourth, _ := store.AcquireDedupLock(ctx, "delivery-1", time.Hour, now.Add(time.Hour))
	if !fourth {
		t.Fatalf("AcquireDedupLock() after ttl = false, want true")
	}
}

func TestRedisStoreNilClient(t *testing.T) {
	t.Parallel()

	store := newRedisStoreFromCommander(nil, nil, RedisStoreConfig{})
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("Ping() expected error for nil client")
	}
	if _, err := store.IncrementWindow(context.Background(), "k", time.Minute, time.Now()); err == nil {
		t.Fatalf("IncrementWindow() expected error for nil client")
	}
	if _, err := store.AcquireDedupLock(context.Background(), "k", time.Minute, time.Now()); err == nil {
		t.Fatalf("AcquireDedupLock() expected error for nil client")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
}

func TestNewRedisClientValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		config      RedisConfig
		errContains string
	}{
		{
			name:        "standalone_requires_address",
			config:      RedisConfig{},
			errContains: "redis address is required",
		},
		{
			name:        "sentinel_requires_master_and_addrs",
			config:      RedisConfig{Mode: "sentinel", MasterSet: "mymaster"},
			errContains: "sentinel mode requires",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRedisClient(context.Background(), tc.config)
			if err == nil || !strings.Contains(err.Error(), tc.errContains) {
				t.Fatalf("NewRedisClient() error = %v, want %q", err, tc.errContains)
			}
		})
	}
}
