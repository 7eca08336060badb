package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cam3ron2/github-gateway/internal/webhook"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestGateway(t *testing.T, handler http.Handler, mutate func(*Config)) *Gateway {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		BaseURL:    server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gateway, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("NewGateway() unexpected error: %v", err)
	}
	gateway.Orchestrator().Sleep = func(context.Context, time.Duration) error { return nil }
	return gateway
}

func TestNewGatewayRejectsTokenAndApp(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(Config{
		Token: "abc",
		App:   AppAuthConfig{AppID: 1, InstallationID: 2, PrivateKey: []byte("key")},
	})
	if err == nil {
		t.Fatalf("NewGateway() error = nil, want credential conflict")
	}
}

func TestNewGatewayWithAppCredentials(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(Config{
		BaseURL: "https://ghe.example.com/api/v3",
		App:     AppAuthConfig{AppID: 1, InstallationID: 2, PrivateKey: privateKeyPEM(t)},
	})
	if err != nil {
		t.Fatalf("NewGateway() unexpected error: %v", err)
	}
	if gateway.Executor().token != "" {
		t.Fatalf("executor token = %q, want empty when the app transport authenticates", gateway.Executor().token)
	}
}

func TestGatewayGet(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gateway := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("Authorization") != "token test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(5000-int(n)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprintf(w, `{"full_name":"octo/repo","query":%q}`, r.URL.RawQuery)
	}), nil)

	resp, err := gateway.Get(context.Background(), "/repos/octo/repo", map[string][]string{"ref": {"main"}})
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	var body struct {
		FullName string `json:"full_name"`
		Query    string `json:"query"`
	}
	if err := resp.Decode(&body); err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if body.FullName != "octo/repo" || body.Query != "ref=main" {
		t.Fatalf("body = %+v, want octo/repo with ref=main", body)
	}
	if calls.Load() != 2 {
		t.Fatalf("server calls = %d, want 2", calls.Load())
	}
	state := gateway.RateLimit()
	if !state.Known || state.Remaining != 4998 {
		t.Fatalf("RateLimit() = %+v, want known with 4998 remaining", state)
	}
}

func TestGatewayGetAllPaginated(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		if page < 3 {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?page=%d&per_page=2>; rel="next"`, r.Host, r.URL.Path, page+1))
		}
		_, _ = fmt.Fprintf(w, `[{"number":%d},{"number":%d}]`, page*2-1, page*2)
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gateway, err := NewGateway(Config{BaseURL: server.URL, HTTPClient: server.Client(), Pagination: PaginationConfig{PerPage: 2}})
	if err != nil {
		t.Fatalf("NewGateway() unexpected error: %v", err)
	}

	type item struct {
		Number int `json:"number"`
	}
	items, err := ListAll[item](context.Background(), gateway, "/repos/octo/repo/issues", nil)
	if err != nil {
		t.Fatalf("ListAll() unexpected error: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("items = %d, want 6", len(items))
	}
	for idx, got := range items {
		if got.Number != idx+1 {
			t.Fatalf("items[%d].Number = %d, want %d", idx, got.Number, idx+1)
		}
	}
}

func TestGatewaySendJSON(t *testing.T) {
	t.Parallel()

	gateway := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"method":%q,"title":%q}`, r.Method, payload["title"])
	}), nil)

	type echo struct {
		Method string `json:"method"`
		Title  string `json:"title"`
	}
	for _, method := range []string{http.MethodPost, http.MethodPatch, http.MethodPut} {
		got, err := SendJSON[echo](context.Background(), gateway, method, "/repos/octo/repo/issues", map[string]string{"title": "bug"})
		if err != nil {
			t.Fatalf("SendJSON(%s) unexpected error: %v", method, err)
		}
		if got.Method != method || got.Title != "bug" {
			t.Fatalf("SendJSON(%s) = %+v, want echo of request", method, got)
		}
	}
}

func TestGatewayVerbHelpers(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		methods []string
	)
	gateway := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}), nil)

	ctx := context.Background()
	if _, err := gateway.Post(ctx, "/a", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Post() unexpected error: %v", err)
	}
	if _, err := gateway.Put(ctx, "/a", nil); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}
	if _, err := gateway.Patch(ctx, "/a", map[string]int{"x": 2}); err != nil {
		t.Fatalf("Patch() unexpected error: %v", err)
	}
	resp, err := gateway.Delete(ctx, "/a", nil)
	if err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Delete() status = %d, want 204", resp.StatusCode)
	}
	want := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(methods) != fmt.Sprint(want) {
		t.Fatalf("methods = %v, want %v", methods, want)
	}
	if _, err := gateway.Get(ctx, "https://api.github.com/a", nil); err == nil {
		t.Fatalf("Get(absolute url) error = nil, want error")
	}
}

func TestGatewayTerminalErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gateway := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}), nil)

	_, err := GetJSON[map[string]any](context.Background(), gateway, "/repos/octo/missing", nil)
	if !IsNotFound(err) {
		t.Fatalf("GetJSON() error = %v, want not found", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("server calls = %d, want 1", calls.Load())
	}
}

func TestGatewayWaitsOnceForRetryAfterWithSpentBudget(t *testing.T) {
	t.Parallel()

	reset := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	var calls atomic.Int32
	gateway := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Reset", reset)
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "4999")
		_, _ = w.Write([]byte(`{"id":1}`))
	}), func(cfg *Config) {
		cfg.RateGate = RateGateConfig{Pacing: true, LowWaterRatio: 0.1}
	})

	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	record := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}
	gateway.Orchestrator().Sleep = record
	gateway.Executor().Sleep = record

	resp, err := gateway.Get(context.Background(), "/repos/octo/repo", nil)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if calls.Load() != 2 {
		t.Fatalf("server calls = %d, want 2", calls.Load())
	}
	if fmt.Sprint(sleeps) != "[2s]" {
		t.Fatalf("sleeps = %v, want a single [2s] Retry-After wait", sleeps)
	}
}

func TestGatewayVerifyWebhook(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(Config{Token: "abc", WebhookSecret: "s3cret"})
	if err != nil {
		t.Fatalf("NewGateway() unexpected error: %v", err)
	}
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	if !gateway.VerifyWebhook(body, webhook.Sign(body, "s3cret")) {
		t.Fatalf("VerifyWebhook(valid) = false, want true")
	}
	if gateway.VerifyWebhook(body, webhook.Sign(body, "other")) {
		t.Fatalf("VerifyWebhook(wrong secret) = true, want false")
	}
}

func TestZapRetryObserverLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	retryObserver := NewZapRetryObserver(zap.New(core))

	retryObserver.ObserveRetry(RetryEvent{State: RetryStateAttempting, Attempt: 1})
	retryObserver.ObserveRetry(RetryEvent{State: RetryStateRetrying, Attempt: 1, Delay: time.Second, Class: ClassServerError})
	retryObserver.ObserveRetry(RetryEvent{State: RetryStateSuccess, Attempt: 2})
	retryObserver.ObserveRetry(RetryEvent{State: RetryStateTerminal, Attempt: 1, StatusCode: 404})

	entries := logs.All()
	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.InfoLevel, zapcore.WarnLevel}
	if len(entries) != len(wantLevels) {
		t.Fatalf("entries = %d, want %d", len(entries), len(wantLevels))
	}
	for idx, level := range wantLevels {
		if entries[idx].Level != level {
			t.Fatalf("entry %d level = %s, want %s (%s)", idx, entries[idx].Level, level, entries[idx].Message)
		}
	}
	if got := entries[1].ContextMap()["delay"]; got != time.Second {
		t.Fatalf("delay field = %v, want 1s", got)
	}
}

func TestMultiObserver(t *testing.T) {
	t.Parallel()

	var first, second int
	multi := MultiObserver{
		RetryObserverFunc(func(RetryEvent) { first++ }),
		nil,
		RetryObserverFunc(func(RetryEvent) { second++ }),
	}
	multi.ObserveRetry(RetryEvent{})
	if first != 1 || second != 1 {
		t.Fatalf("observer calls = %d/%d, want 1/1", first, second)
	}
}
