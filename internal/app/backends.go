package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/github-gateway/internal/config"
	"github.com/cam3ron2/github-gateway/internal/inbound"
	"github.com/cam3ron2/github-gateway/internal/store"
	"github.com/cam3ron2/github-gateway/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

type sharedStore interface {
	inbound.Store
	webhook.Deduper
	Ping(ctx context.Context) error
	Close() error
}

// runtimeBackends holds the stores behind the inbound limiter and webhook dedup.
type runtimeBackends struct {
	windows sharedStore
	dedup   sharedStore
	// redis is nil when no component uses Redis or when it could not be reached.
	redis *store.RedisStore
}

func newRuntimeBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger, redisClient redis.UniversalClient) runtimeBackends {
	memory := store.NewMemoryStore()
	backends := runtimeBackends{windows: memory, dedup: memory}
	if cfg == nil || !cfg.RedisRequired() {
		return backends
	}

	var (
		redisStore *store.RedisStore
		err        error
	)
	if redisClient != nil {
		redisStore = store.NewRedisStore(redisClient, store.RedisStoreConfig{Namespace: cfg.Store.Namespace})
		err = pingStore(ctx, redisStore)
	} else {
		redisStore, err = store.OpenRedisStore(ctx, redisConfigFrom(cfg))
	}
	if err != nil {
		logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
		return backends
	}

	backends.redis = redisStore
	if usesRedis(cfg.Inbound.Backend) {
		backends.windows = redisStore
	}
	if usesRedis(cfg.Webhook.DedupBackend) {
		backends.dedup = redisStore
	}
	return backends
}

// redisHealthy pings Redis when a component depends on it.
func (b runtimeBackends) redisHealthy(ctx context.Context) bool {
	if b.redis == nil {
		return false
	}
	return pingStore(ctx, b.redis) == nil
}

func (b runtimeBackends) close() error {
	if b.redis == nil {
		return nil
	}
	return b.redis.Close()
}

func pingStore(ctx context.Context, s sharedStore) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func redisConfigFrom(cfg *config.Config) store.RedisConfig {
	return store.RedisConfig{
		Mode:          cfg.Store.RedisMode,
		Addr:          cfg.Store.RedisAddr,
		MasterSet:     cfg.Store.RedisMasterSet,
		SentinelAddrs: cfg.Store.RedisSentinelAddrs,
		Password:      cfg.Store.RedisPassword,
		DB:            cfg.Store.RedisDB,
		Namespace:     cfg.Store.Namespace,
		PingTimeout:   redisPingTimeout,
	}
}

func usesRedis(backend string) bool {
	return strings.EqualFold(strings.TrimSpace(backend), config.BackendRedis)
}
