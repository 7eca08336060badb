package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the gateway serves traffic but GitHub calls will wait for a budget reset.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	GatewayConfigured bool
	// RedisRequired is set when a limiter or webhook backend uses Redis.
	RedisRequired  bool
	RedisHealthy   bool
	WebhookSecret  bool
	RateLimitSpent bool
	RateLimitReset time.Time
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
	// RateLimitResetAt is set while the GitHub budget is spent.
	RateLimitResetAt *time.Time `json:"rate_limit_reset_at,omitempty"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) Status

// CurrentStatus calls f(ctx).
func (f ProviderFunc) CurrentStatus(ctx context.Context) Status {
	return f(ctx)
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"github_gateway":     input.GatewayConfigured,
		"webhook_secret":     input.WebhookSecret,
		"github_rate_budget": !input.RateLimitSpent,
	}
	if input.RedisRequired {
		components["redis"] = input.RedisHealthy
	}

	ready := input.GatewayConfigured
	if input.RedisRequired {
		ready = ready && input.RedisHealthy
	}

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if input.RateLimitSpent || !input.WebhookSecret {
		mode = ModeDegraded
	}

	status := Status{
		Mode:       mode,
		Ready:      ready,
		Components: components,
	}
	if input.RateLimitSpent && !input.RateLimitReset.IsZero() {
		resetAt := input.RateLimitReset.UTC()
		status.RateLimitResetAt = &resetAt
	}
	return status
}

// Failing lists the components reported unhealthy, sorted by name.
func (s Status) Failing() []string {
	var failing []string
	for name, ok := range s.Components {
		if !ok {
			failing = append(failing, name)
		}
	}
	slices.Sort(failing)
	return failing
}

// NewHandler serves /livez, /readyz and /healthz for provider.
// /healthz answers 503 only while the gateway is unhealthy; a degraded
// gateway still serves traffic.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			writeText(w, http.StatusOK, "ready")
			return
		}
		writeText(w, http.StatusServiceUnavailable, "not ready: "+strings.Join(status.Failing(), ","))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		code := http.StatusOK
		if status.Mode == ModeUnhealthy {
			code = http.StatusServiceUnavailable
		}
		payload, err := json.Marshal(status)
		if err != nil {
			writeText(w, http.StatusInternalServerError, `{"mode":"unhealthy","error":"marshal health status"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := io.WriteString(w, body); err != nil {
		return
	}
}
