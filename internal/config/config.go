package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/github-gateway/internal/inbound"
	"github.com/cam3ron2/github-gateway/internal/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validBackends  = []string{BackendMemory, BackendRedis}
)

const (
	// BackendMemory keeps limiter windows and webhook de-dup state in process.
	BackendMemory = "memory"
	// BackendRedis shares limiter windows and webhook de-dup state across replicas.
	BackendRedis = "redis"
)

// Environment variables that override secrets from YAML.
const (
	EnvGitHubToken   = "GITHUB_GATEWAY_TOKEN"
	EnvWebhookSecret = "GITHUB_GATEWAY_WEBHOOK_SECRET"
	EnvRedisPassword = "GITHUB_GATEWAY_REDIS_PASSWORD"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig
	GitHub     GitHubConfig
	Retry      RetryConfig
	RateLimit  RateLimitConfig
	Pagination PaginationConfig
	Inbound    InboundConfig
	Webhook    WebhookConfig
	Store      StoreConfig
	Telemetry  TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	APIBaseURL     string
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	RequestTimeout time.Duration
	UserAgent      string
	APIVersion     string
	Accept         string
}

// UsesApp reports whether GitHub App credentials are configured.
func (c GitHubConfig) UsesApp() bool {
	return c.AppID != 0 || c.InstallationID != 0 || c.PrivateKeyPath != ""
}

// RetryConfig configures the retry orchestrator.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MinRateLimitDelay time.Duration
}

// RateLimitConfig configures the outbound rate gate.
type RateLimitConfig struct {
	LowWaterRatio float64
	PacingEnabled bool
	MaxWait       time.Duration
}

// PaginationConfig bounds pagination walks.
type PaginationConfig struct {
	PerPage  int
	MaxPages int
}

// InboundConfig configures the per-caller inbound limiter.
type InboundConfig struct {
	Enabled           bool
	Window            time.Duration
	MaxRequests       int
	ExemptPaths       []string
	UserHeader        string
	TrustForwardedFor bool
	// TrustedProxies lists the CIDRs or addresses allowed to set UserHeader
	// and X-Forwarded-For.
	TrustedProxies  []string
	Backend         string
	JanitorInterval time.Duration
}

// ProxyPrefixes returns TrustedProxies parsed. Validate rejects bad entries.
func (c InboundConfig) ProxyPrefixes() []netip.Prefix {
	prefixes, err := inbound.ParseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil
	}
	return prefixes
}

// WebhookConfig configures the webhook receiver.
type WebhookConfig struct {
	Path         string
	Secret       string
	MaxBodyBytes int64
	DedupTTL     time.Duration
	DedupBackend string
}

// StoreConfig configures the shared Redis backend.
type StoreConfig struct {
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// RedisRequired reports whether any component selected the Redis backend.
func (c *Config) RedisRequired() bool {
	return (c.Inbound.Enabled && c.Inbound.Backend == BackendRedis) || c.Webhook.DedupBackend == BackendRedis
}

// Load reads configuration from YAML, applies environment overrides and
// defaults, and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(reader io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyEnv(cfg, lookupEnv)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, "server.listen_addr is required")
	}

	errs = append(errs, c.validateGitHub()...)

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if c.RateLimit.LowWaterRatio < 0 || c.RateLimit.LowWaterRatio > 1 {
		errs = append(errs, "rate_limit.low_water_ratio must be between 0 and 1")
	}
	if c.RateLimit.MaxWait < 0 {
		errs = append(errs, "rate_limit.max_wait must be >= 0")
	}

	if c.Pagination.PerPage < 1 || c.Pagination.PerPage > 100 {
		errs = append(errs, "pagination.per_page must be between 1 and 100")
	}
	if c.Pagination.MaxPages < 1 {
		errs = append(errs, "pagination.max_pages must be >= 1")
	}

	if c.Inbound.Enabled {
		if c.Inbound.MaxRequests < 1 {
			errs = append(errs, "inbound.max_requests must be >= 1")
		}
		if c.Inbound.Window <= 0 {
			errs = append(errs, "inbound.window must be > 0")
		}
	}
	if !slices.Contains(validBackends, c.Inbound.Backend) {
		errs = append(errs, "inbound.backend must be memory or redis")
	}
	if _, err := inbound.ParseTrustedProxies(c.Inbound.TrustedProxies); err != nil {
		errs = append(errs, "inbound.trusted_proxies: "+err.Error())
	}
	if (c.Inbound.UserHeader != "" || c.Inbound.TrustForwardedFor) && len(c.Inbound.TrustedProxies) == 0 {
		errs = append(errs, "inbound.user_header and inbound.trust_forwarded_for require inbound.trusted_proxies")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, "webhook.max_body_bytes must be > 0")
	}
	if !slices.Contains(validBackends, c.Webhook.DedupBackend) {
		errs = append(errs, "webhook.dedup_backend must be memory or redis")
	}

	if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
		errs = append(errs, "store.redis_mode must be standalone or sentinel")
	}
	if c.RedisRequired() {
		if c.Store.RedisMode == "standalone" && strings.TrimSpace(c.Store.RedisAddr) == "" {
			errs = append(errs, "store.redis_addr is required when a redis backend is selected")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
		if c.Store.RedisMode == "sentinel" && strings.TrimSpace(c.Store.RedisMasterSet) == "" {
			errs = append(errs, "store.redis_master_set is required when store.redis_mode=sentinel")
		}
	}

	if !slices.Contains(telemetry.ValidTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateGitHub() []string {
	var errs []string

	parsed, err := url.Parse(c.GitHub.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, "github.api_base_url must be an absolute url")
	}

	hasToken := c.GitHub.Token != ""
	switch {
	case hasToken && c.GitHub.UsesApp():
		errs = append(errs, "github.token and github app credentials are mutually exclusive")
	case !hasToken && !c.GitHub.UsesApp():
		errs = append(errs, "github.token or github app credentials are required")
	case c.GitHub.UsesApp():
		if c.GitHub.AppID <= 0 {
			errs = append(errs, "github.app_id must be > 0")
		}
		if c.GitHub.InstallationID <= 0 {
			errs = append(errs, "github.installation_id must be > 0")
		}
		if c.GitHub.PrivateKeyPath == "" {
			errs = append(errs, "github.private_key_path is required")
		}
	}

	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}
	return errs
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil {
		return
	}
	if value, ok := lookupEnv(EnvGitHubToken); ok && strings.TrimSpace(value) != "" {
		cfg.GitHub.Token = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(EnvWebhookSecret); ok && value != "" {
		cfg.Webhook.Secret = value
	}
	if value, ok := lookupEnv(EnvRedisPassword); ok && value != "" {
		cfg.Store.RedisPassword = value
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 15 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 60 * time.Second
	}
	if cfg.Retry.MinRateLimitDelay == 0 {
		cfg.Retry.MinRateLimitDelay = time.Second
	}

	if cfg.RateLimit.LowWaterRatio == 0 {
		cfg.RateLimit.LowWaterRatio = 0.1
	}
	if cfg.RateLimit.MaxWait == 0 {
		cfg.RateLimit.MaxWait = 5 * time.Second
	}

	if cfg.Pagination.PerPage == 0 {
		cfg.Pagination.PerPage = 100
	}
	if cfg.Pagination.MaxPages == 0 {
		cfg.Pagination.MaxPages = 100
	}

	if cfg.Inbound.Window == 0 {
		cfg.Inbound.Window = 60 * time.Second
	}
	if cfg.Inbound.MaxRequests == 0 {
		cfg.Inbound.MaxRequests = 30
	}
	if cfg.Inbound.ExemptPaths == nil {
		cfg.Inbound.ExemptPaths = []string{"/livez", "/readyz", "/healthz", "/metrics"}
	}
	if cfg.Inbound.Backend == "" {
		cfg.Inbound.Backend = BackendMemory
	}
	if cfg.Inbound.JanitorInterval == 0 {
		cfg.Inbound.JanitorInterval = cfg.Inbound.Window
	}

	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/webhooks/github"
	}
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 25 << 20
	}
	if cfg.Webhook.DedupTTL == 0 {
		cfg.Webhook.DedupTTL = time.Hour
	}
	if cfg.Webhook.DedupBackend == "" {
		cfg.Webhook.DedupBackend = BackendMemory
	}

	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "github-gateway"
	}

	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "errors"
	}
	if cfg.Telemetry.OTELTraceSampleRatio == 0 {
		cfg.Telemetry.OTELTraceSampleRatio = 0.1
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server     rawServer     `yaml:"server"`
	GitHub     rawGitHub     `yaml:"github"`
	Retry      rawRetry      `yaml:"retry"`
	RateLimit  rawRateLimit  `yaml:"rate_limit"`
	Pagination rawPagination `yaml:"pagination"`
	Inbound    rawInbound    `yaml:"inbound"`
	Webhook    rawWebhook    `yaml:"webhook"`
	Store      rawStore      `yaml:"store"`
	Telemetry  rawTelemetry  `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawGitHub struct {
	APIBaseURL     string   `yaml:"api_base_url"`
	Token          string   `yaml:"token"`
	AppID          int64    `yaml:"app_id"`
	InstallationID int64    `yaml:"installation_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	RequestTimeout duration `yaml:"request_timeout"`
	UserAgent      string   `yaml:"user_agent"`
	APIVersion     string   `yaml:"api_version"`
	Accept         string   `yaml:"accept"`
}

type rawRetry struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialBackoff    duration `yaml:"initial_backoff"`
	MaxBackoff        duration `yaml:"max_backoff"`
	MinRateLimitDelay duration `yaml:"min_rate_limit_delay"`
}

type rawRateLimit struct {
	LowWaterRatio float64  `yaml:"low_water_ratio"`
	PacingEnabled bool     `yaml:"pacing_enabled"`
	MaxWait       duration `yaml:"max_wait"`
}

type rawPagination struct {
	PerPage  int `yaml:"per_page"`
	MaxPages int `yaml:"max_pages"`
}

type rawInbound struct {
	Enabled           *bool    `yaml:"enabled"`
	Window            duration `yaml:"window"`
	MaxRequests       int      `yaml:"max_requests"`
	ExemptPaths       []string `yaml:"exempt_paths"`
	UserHeader        string   `yaml:"user_header"`
	TrustForwardedFor bool     `yaml:"trust_forwarded_for"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	Backend           string   `yaml:"backend"`
	JanitorInterval   duration `yaml:"janitor_interval"`
}

type rawWebhook struct {
	Path         string   `yaml:"path"`
	Secret       string   `yaml:"secret"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	DedupTTL     duration `yaml:"dedup_ttl"`
	DedupBackend string   `yaml:"dedup_backend"`
}

type rawStore struct {
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	inboundEnabled := true
	if r.Inbound.Enabled != nil {
		inboundEnabled = *r.Inbound.Enabled
	}

	return &Config{
		Server: ServerConfig{
			ListenAddr:      strings.TrimSpace(r.Server.ListenAddr),
			LogLevel:        strings.ToLower(strings.TrimSpace(r.Server.LogLevel)),
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		GitHub: GitHubConfig{
			APIBaseURL:     strings.TrimSuffix(strings.TrimSpace(r.GitHub.APIBaseURL), "/"),
			Token:          strings.TrimSpace(r.GitHub.Token),
			AppID:          r.GitHub.AppID,
			InstallationID: r.GitHub.InstallationID,
			PrivateKeyPath: strings.TrimSpace(r.GitHub.PrivateKeyPath),
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			UserAgent:      r.GitHub.UserAgent,
			APIVersion:     r.GitHub.APIVersion,
			Accept:         r.GitHub.Accept,
		},
		Retry: RetryConfig{
			MaxAttempts:       r.Retry.MaxAttempts,
			InitialBackoff:    r.Retry.InitialBackoff.Duration,
			MaxBackoff:        r.Retry.MaxBackoff.Duration,
			MinRateLimitDelay: r.Retry.MinRateLimitDelay.Duration,
		},
		RateLimit: RateLimitConfig{
			LowWaterRatio: r.RateLimit.LowWaterRatio,
			PacingEnabled: r.RateLimit.PacingEnabled,
			MaxWait:       r.RateLimit.MaxWait.Duration,
		},
		Pagination: PaginationConfig{
			PerPage:  r.Pagination.PerPage,
			MaxPages: r.Pagination.MaxPages,
		},
		Inbound: InboundConfig{
			Enabled:           inboundEnabled,
			Window:            r.Inbound.Window.Duration,
			MaxRequests:       r.Inbound.MaxRequests,
			ExemptPaths:       r.Inbound.ExemptPaths,
			UserHeader:        strings.TrimSpace(r.Inbound.UserHeader),
			TrustForwardedFor: r.Inbound.TrustForwardedFor,
			TrustedProxies:    r.Inbound.TrustedProxies,
			Backend:           strings.ToLower(strings.TrimSpace(r.Inbound.Backend)),
			JanitorInterval:   r.Inbound.JanitorInterval.Duration,
		},
		Webhook: WebhookConfig{
			Path:         strings.TrimSpace(r.Webhook.Path),
			Secret:       r.Webhook.Secret,
			MaxBodyBytes: r.Webhook.MaxBodyBytes,
			DedupTTL:     r.Webhook.DedupTTL.Duration,
			DedupBackend: strings.ToLower(strings.TrimSpace(r.Webhook.DedupBackend)),
		},
		Store: StoreConfig{
			RedisMode:          strings.ToLower(strings.TrimSpace(r.Store.RedisMode)),
			RedisAddr:          strings.TrimSpace(r.Store.RedisAddr),
			RedisMasterSet:     strings.TrimSpace(r.Store.RedisMasterSet),
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          strings.TrimSpace(r.Store.Namespace),
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        strings.ToLower(strings.TrimSpace(r.Telemetry.OTELTraceMode)),
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
