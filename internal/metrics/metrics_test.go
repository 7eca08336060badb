package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/github-gateway/internal/githubapi"
)

type fakeGate struct {
	state githubapi.RateLimitState
}

func (g fakeGate) Snapshot() githubapi.RateLimitState {
	return g.state
}

func scrape(t *testing.T, registry *Registry) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistryRecordsEvents(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.ObserveRetry(githubapi.RetryEvent{Method: "GET", State: githubapi.RetryStateAttempting, Attempt: 1})
	registry.ObserveRetry(githubapi.RetryEvent{Method: "GET", State: githubapi.RetryStateRetrying, Attempt: 1, Class: githubapi.ClassServerError})
	registry.ObserveRetry(githubapi.RetryEvent{Method: "GET", State: githubapi.RetryStateSuccess, Attempt: 2})
	registry.ObserveRetry(githubapi.RetryEvent{Method: "POST", State: githubapi.RetryStateTerminal, Attempt: 1, Class: githubapi.ClassClientError})
	registry.ObserveInbound(true)
	registry.ObserveInbound(false)
	registry.ObserveInbound(false)
	registry.ObserveWebhook("push", "accepted")

	body := scrape(t, registry)
	wantSubstrs := []string{
		`github_gateway_github_retries_total{class="server_error"} 1`,
		`github_gateway_github_calls_total{class="",method="GET",state="success"} 1`,
		`github_gateway_github_calls_total{class="client_error",method="POST",state="terminal"} 1`,
		`github_gateway_github_call_attempts_count{method="GET"} 1`,
		`github_gateway_inbound_requests_total{allowed="false"} 2`,
		`github_gateway_webhook_deliveries_total{event="push",outcome="accepted"} 1`,
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
}

func TestRateGateCollector(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		state       githubapi.RateLimitState
		wantPresent bool
	}{
		{
			name: "known_state_exported",
			state: githubapi.RateLimitState{
				Limit:     5000,
				Remaining: 4200,
				ResetAt:   time.Unix(1739840400, 0),
				Known:     true,
			},
			wantPresent: true,
		},
		{
			name:        "unknown_state_omitted",
			state:       githubapi.RateLimitState{},
			wantPresent: false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			body := scrape(t, NewRegistry(fakeGate{state: tc.state}))
			present := strings.Contains(body, "github_gateway_rate_limit_remaining 4200")
			if present != tc.wantPresent {
				t.Fatalf("remaining gauge present = %t, want %t:\n%s", present, tc.wantPresent, body)
			}
			if tc.wantPresent && !strings.Contains(body, "github_gateway_rate_limit_reset_timestamp_seconds 1.7398404e+09") {
				t.Fatalf("reset gauge missing:\n%s", body)
			}
		})
	}
}
