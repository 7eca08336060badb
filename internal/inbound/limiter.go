package inbound

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/github-gateway/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultWindow is the length of one caller window.
	DefaultWindow = time.Minute
	// DefaultMaxRequests is the per-window allowance.
	DefaultMaxRequests = 30
)

// Store holds per-caller windows.
type Store interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (store.WindowCount, error)
	GC(now time.Time)
}

// Config configures a Limiter.
type Config struct {
	Window      time.Duration
	MaxRequests int
	Now         func() time.Time
}

// Decision is the outcome of one inbound request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int64
	ResetAt   time.Time
	// RetryAfter is the time left in the caller's window; zero when allowed.
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by caller identity. It protects the
// gateway's own endpoints and is unrelated to GitHub's budget.
type Limiter struct {
	store       Store
	window      time.Duration
	maxRequests int
	now         func() time.Time
	logger      *zap.Logger

	lastPrune atomic.Int64
}

// NewLimiter creates a limiter.
func NewLimiter(windowStore Store, cfg Config, logger *zap.Logger) *Limiter {
	if windowStore == nil {
		windowStore = store.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		store:       windowStore,
		window:      window,
		maxRequests: maxRequests,
		now:         now,
		logger:      logger,
	}
}

// Limit returns the per-window allowance.
func (l *Limiter) Limit() int {
	return l.maxRequests
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow counts one request for key. When the store fails the request is
// allowed and the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	l.maybePrune(now)

	counted, err := l.store.IncrementWindow(ctx, key, l.window, now)
	if err != nil {
		return Decision{
			Allowed:   true,
			Limit:     l.maxRequests,
			Remaining: l.maxRequests,
			ResetAt:   now.Add(l.window),
		}, fmt.Errorf("inbound limiter store: %w", err)
	}

	decision := Decision{
		Allowed:   counted.Count <= int64(l.maxRequests),
		Limit:     l.maxRequests,
		Remaining: max(0, l.maxRequests-int(counted.Count)),
		Count:     counted.Count,
		ResetAt:   counted.ResetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = max(0, counted.ResetAt.Sub(now))
	}
	return decision, nil
}

// Prune drops expired windows.
func (l *Limiter) Prune() {
	now := l.now()
	l.lastPrune.Store(now.UnixNano())
	l.store.GC(now)
}

// RunJanitor prunes expired windows every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// maybePrune runs GC at most once per window from the request path.
func (l *Limiter) maybePrune(now time.Time) {
	last := l.lastPrune.Load()
	if now.UnixNano()-last < int64(l.window) {
		return
	}
	if l.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		l.store.GC(now)
	}
}
