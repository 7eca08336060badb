package githubapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	Limit      int
	Remaining  int
	Used       int
	ResetUnix  int64
	RetryAfter time.Duration

	HasLimit     bool
	HasRemaining bool
	HasReset     bool

	// Limited is set when the status code and headers signal a rate limit
	// rather than an ordinary failure.
	Limited bool
}

// ResetAt returns the absolute reset time, or the zero time when absent.
func (h RateLimitHeaders) ResetAt() time.Time {
	if !h.HasReset {
		return time.Time{}
	}
	return time.Unix(h.ResetUnix, 0)
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	parsed.Limit, parsed.HasLimit = parseInt(header.Get("X-RateLimit-Limit"))
	parsed.Remaining, parsed.HasRemaining = parseInt(header.Get("X-RateLimit-Remaining"))
	parsed.Used, _ = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix, parsed.HasReset = parseInt64(header.Get("X-RateLimit-Reset"))

	retryAfterSeconds, ok := parseInt(header.Get("Retry-After"))
	if ok && retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.Limited = true
	}
	if statusCode == http.StatusForbidden {
		if parsed.RetryAfter > 0 || (parsed.HasRemaining && parsed.Remaining == 0) {
			parsed.Limited = true
		}
	}

	return parsed
}

// RateLimitState is the last known budget for one credential. It is hint
// data only; GitHub enforces the real limit.
type RateLimitState struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	ObservedAt time.Time `json:"observed_at"`
	Known      bool      `json:"known"`
	// LastLimited records whether the most recent observation was a rate-limit response.
	LastLimited bool `json:"last_limited"`
}

// DefaultRateGateMaxWait caps proactive pacing waits when no cap is configured.
const DefaultRateGateMaxWait = 5 * time.Second

// RateGateConfig configures a RateGate.
type RateGateConfig struct {
	// LowWaterRatio is the fraction of Limit below which calls are paced.
	LowWaterRatio float64
	// Pacing enables spreading the remaining budget evenly until reset.
	Pacing bool
	// MaxWait caps a proactive pacing wait; longer waits are skipped and left
	// to the retry orchestrator's reaction to a real 403/429. Zero means
	// DefaultRateGateMaxWait.
	MaxWait time.Duration
	Now     func() time.Time
}

// RateGate tracks the shared rate budget of one credential.
type RateGate struct {
	mu            sync.Mutex
	state         RateLimitState
	lowWaterRatio float64
	pacing        bool
	maxWait       time.Duration
	pacer         *rate.Limiter
	now           func() time.Time
}

// NewRateGate creates a gate with an unknown budget.
func NewRateGate(cfg RateGateConfig) *RateGate {
	lowWater := cfg.LowWaterRatio
	if lowWater < 0 {
		lowWater = 0
	}
	if lowWater > 1 {
		lowWater = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultRateGateMaxWait
	}
	return &RateGate{
		lowWaterRatio: lowWater,
		pacing:        cfg.Pacing,
		maxWait:       maxWait,
		pacer:         rate.NewLimiter(rate.Inf, 1),
		now:           now,
	}
}

// Observe folds response headers into the shared state and returns the parsed headers.
// Each header present is merged on its own. Updates are monotonic within a window: a
// response carrying an older reset time is stale and ignored, and within one window
// remaining only decreases.
func (g *RateGate) Observe(header http.Header, statusCode int) RateLimitHeaders {
	parsed := ParseRateLimitHeaders(header, statusCode)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.LastLimited = parsed.Limited
	if !parsed.HasRemaining && !parsed.HasReset && !parsed.HasLimit {
		return parsed
	}

	sameWindow := g.state.Known && g.state.ResetAt.After(now)
	if parsed.HasReset {
		resetAt := parsed.ResetAt()
		switch {
		case resetAt.Before(g.state.ResetAt):
			return parsed
		case resetAt.After(g.state.ResetAt):
			g.state.ResetAt = resetAt
			sameWindow = false
			// The new window's budget is unknown until a remaining count arrives.
			g.state.Known = parsed.HasRemaining
		}
	}
	if parsed.HasRemaining {
		if sameWindow {
			g.state.Remaining = min(g.state.Remaining, parsed.Remaining)
		} else {
			g.state.Remaining = parsed.Remaining
		}
		g.state.Known = true
	}
	if parsed.HasLimit {
		g.state.Limit = parsed.Limit
	}
	g.state.ObservedAt = now
	g.updatePacerLocked(now)
	return parsed
}

// ShouldWait reports how long a caller should pause before the next call. It is
// advisory and consumes nothing.
func (g *RateGate) ShouldWait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delayLocked(g.now())
}

// Wait reserves a pacing slot and blocks for the pacing delay. A spent budget
// is left to the orchestrator's reaction to the real 403/429. Delays above
// MaxWait are not waited for.
func (g *RateGate) Wait(ctx context.Context, sleep SleepFunc) error {
	g.mu.Lock()
	delay := g.paceLocked(g.now(), true)
	g.mu.Unlock()

	if delay <= 0 || delay > g.maxWait {
		return nil
	}
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, delay)
}

// Snapshot returns a copy of the current state.
func (g *RateGate) Snapshot() RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Exhausted reports whether the last known budget is spent and not yet reset.
func (g *RateGate) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Known && g.state.Remaining <= 0 && g.state.ResetAt.After(g.now())
}

func (g *RateGate) delayLocked(now time.Time) time.Duration {
	if !g.state.Known || !g.state.ResetAt.After(now) {
		return 0
	}
	if g.state.Remaining <= 0 {
		return g.state.ResetAt.Sub(now)
	}
	return g.paceLocked(now, false)
}

func (g *RateGate) paceLocked(now time.Time, consume bool) time.Duration {
	if !g.pacing || !g.state.Known || g.state.Remaining <= 0 || !g.state.ResetAt.After(now) {
		return 0
	}
	if !g.belowLowWaterLocked() {
		return 0
	}

	reservation := g.pacer.ReserveN(now, 1)
	if !reservation.OK() {
		return 0
	}
	delay := reservation.DelayFrom(now)
	if !consume {
		reservation.CancelAt(now)
	}
	return delay
}

func (g *RateGate) belowLowWaterLocked() bool {
	if g.state.Limit <= 0 {
		return false
	}
	threshold := int(math.Ceil(float64(g.state.Limit) * g.lowWaterRatio))
	return g.state.Remaining < threshold
}

func (g *RateGate) updatePacerLocked(now time.Time) {
	untilReset := g.state.ResetAt.Sub(now)
	if !g.pacing || g.state.Remaining <= 0 || untilReset <= 0 || !g.belowLowWaterLocked() {
		g.pacer.SetLimitAt(now, rate.Inf)
		return
	}
	g.pacer.SetLimitAt(now, rate.Limit(float64(g.state.Remaining)/untilReset.Seconds()))
}

func parseInt(raw string) (int, bool) {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseInt64(raw string) (int64, bool) {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
