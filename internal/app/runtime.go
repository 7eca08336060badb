package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/cam3ron2/github-gateway/internal/config"
	"github.com/cam3ron2/github-gateway/internal/githubapi"
	"github.com/cam3ron2/github-gateway/internal/health"
	"github.com/cam3ron2/github-gateway/internal/inbound"
	"github.com/cam3ron2/github-gateway/internal/metrics"
	"github.com/cam3ron2/github-gateway/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Option customizes NewRuntime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	httpClient  githubapi.HTTPDoer
	redisClient redis.UniversalClient
}

// WithHTTPClient routes GitHub calls through client instead of a default http.Client.
func WithHTTPClient(client githubapi.HTTPDoer) Option {
	return func(o *runtimeOptions) {
		o.httpClient = client
	}
}

// WithRedisClient uses an existing Redis client for the Redis-backed stores.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *runtimeOptions) {
		o.redisClient = client
	}
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg       *config.Config
	gateway   *githubapi.Gateway
	metrics   *metrics.Registry
	limiter   *inbound.Limiter
	webhooks  *webhook.Handler
	backends  runtimeBackends
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	mu            sync.Mutex
	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// NewRuntime builds every gateway component from cfg. An unreachable Redis is
// not fatal: the affected stores fall back to memory and readiness reports it.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	registry := metrics.NewRegistry(nil)
	gateway, err := githubapi.NewGateway(githubapi.Config{
		BaseURL: cfg.GitHub.APIBaseURL,
		Token:   cfg.GitHub.Token,
		App: githubapi.AppAuthConfig{
			AppID:          cfg.GitHub.AppID,
			InstallationID: cfg.GitHub.InstallationID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		},
		UserAgent:      cfg.GitHub.UserAgent,
		APIVersion:     cfg.GitHub.APIVersion,
		Accept:         cfg.GitHub.Accept,
		RequestTimeout: cfg.GitHub.RequestTimeout,
		Retry: githubapi.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BaseDelay:         cfg.Retry.InitialBackoff,
			MaxDelay:          cfg.Retry.MaxBackoff,
			MinRateLimitDelay: cfg.Retry.MinRateLimitDelay,
		},
		RateGate: githubapi.RateGateConfig{
			LowWaterRatio: cfg.RateLimit.LowWaterRatio,
			Pacing:        cfg.RateLimit.PacingEnabled,
			MaxWait:       cfg.RateLimit.MaxWait,
		},
		Pagination: githubapi.PaginationConfig{
			PerPage:  cfg.Pagination.PerPage,
			MaxPages: cfg.Pagination.MaxPages,
		},
		WebhookSecret: cfg.Webhook.Secret,
		HTTPClient:    options.httpClient,
		Observer:      registry,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create github gateway: %w", err)
	}
	registry.TrackRateGate(gateway.RateGate())

	backends := newRuntimeBackends(ctx, cfg, logger, options.redisClient)

	var limiter *inbound.Limiter
	if cfg.Inbound.Enabled {
		limiter = inbound.NewLimiter(backends.windows, inbound.Config{
			Window:      cfg.Inbound.Window,
			MaxRequests: cfg.Inbound.MaxRequests,
		}, logger.Named("inbound"))
	}

	webhooks := webhook.NewHandler(webhook.HandlerConfig{
		Secret:       cfg.Webhook.Secret,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		DedupTTL:     cfg.Webhook.DedupTTL,
		Deduper:      backends.dedup,
		Recorder:     registry,
		Logger:       logger.Named("webhook"),
	})
	registerWebhookEvents(webhooks, logger.Named("webhook"))

	if strings.TrimSpace(cfg.Webhook.Secret) == "" {
		logger.Warn("webhook secret is not configured; every delivery will be rejected")
	}

	return &Runtime{
		cfg:       cfg,
		gateway:   gateway,
		metrics:   registry,
		limiter:   limiter,
		webhooks:  webhooks,
		backends:  backends,
		evaluator: health.NewStatusEvaluator(),
		logger:    logger,
	}, nil
}

// Gateway exposes the GitHub gateway.
func (r *Runtime) Gateway() *githubapi.Gateway {
	return r.gateway
}

// Webhooks exposes the webhook handler so callers can register more events.
func (r *Runtime) Webhooks() *webhook.Handler {
	return r.webhooks
}

// Metrics exposes the Prometheus registry.
func (r *Runtime) Metrics() *metrics.Registry {
	return r.metrics
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	routes := Routes{
		Metrics:     r.metrics.Handler(),
		Health:      health.NewHandler(r),
		API:         NewAPIHandler(r.gateway, r.logger.Named("api")),
		Webhook:     r.webhooks,
		WebhookPath: r.cfg.Webhook.Path,
	}
	if r.limiter != nil {
		routes.Inbound = inbound.Middleware(inbound.MiddlewareOptions{
			Limiter:            r.limiter,
			UserHeader:         r.cfg.Inbound.UserHeader,
			TrustXForwardedFor: r.cfg.Inbound.TrustForwardedFor,
			TrustedProxies:     r.cfg.Inbound.ProxyPrefixes(),
			ExemptPaths:        r.exemptPaths(),
			Recorder:           r.metrics,
			Logger:             r.logger.Named("inbound"),
		})
	}
	return NewHTTPHandler(routes)
}

// exemptPaths always includes the webhook path. Deliveries are verified by
// signature instead of being counted per caller.
func (r *Runtime) exemptPaths() []string {
	paths := slices.Clone(r.cfg.Inbound.ExemptPaths)
	if path := strings.TrimSpace(r.cfg.Webhook.Path); path != "" && !slices.Contains(paths, path) {
		paths = append(paths, path)
	}
	return paths
}

// Start launches background work: the limiter janitor for memory-backed windows.
func (r *Runtime) Start(ctx context.Context) {
	if r.limiter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.janitorCancel != nil {
		return
	}
	janitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.janitorCancel = cancel
	r.janitorDone = done
	go func() {
		defer close(done)
		r.limiter.RunJanitor(janitorCtx, r.cfg.Inbound.JanitorInterval)
	}()
}

// Close stops background work and releases the Redis connection.
func (r *Runtime) Close() error {
	r.mu.Lock()
	cancel, done := r.janitorCancel, r.janitorDone
	r.janitorCancel, r.janitorDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if err := r.backends.close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	rate := r.gateway.RateLimit()
	input := health.Input{
		GatewayConfigured: true,
		RedisRequired:     r.cfg.RedisRequired(),
		WebhookSecret:     strings.TrimSpace(r.cfg.Webhook.Secret) != "",
		RateLimitSpent:    r.gateway.RateGate().Exhausted(),
		RateLimitReset:    rate.ResetAt,
	}
	if input.RedisRequired {
		input.RedisHealthy = r.backends.redisHealthy(ctx)
	}
	return r.evaluator.Evaluate(input)
}
