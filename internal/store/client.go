package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how to reach Redis.
type RedisConfig struct {
	// Mode is "standalone" (default) or "sentinel".
	Mode          string
	Addr          string
	MasterSet     string
	SentinelAddrs []string
	Password      string
	DB            int
	Namespace     string
	PingTimeout   time.Duration
}

// NewRedisClient builds a standalone or sentinel client and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), "sentinel") {
		if strings.TrimSpace(cfg.MasterSet) == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("sentinel mode requires a master set and sentinel addresses")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterSet,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// OpenRedisStore connects to Redis and wraps the client in a RedisStore.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(client, RedisStoreConfig{Namespace: cfg.Namespace}), nil
}
