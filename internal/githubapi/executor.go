package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/github-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultAPIBaseURL is the public GitHub REST API root.
	DefaultAPIBaseURL = "https://api.github.com"
	// DefaultAccept is GitHub's recommended media type.
	DefaultAccept = "application/vnd.github+json"
	// DefaultAPIVersion pins the REST API version.
	DefaultAPIVersion = "2022-11-28"
	// DefaultUserAgent identifies the gateway to GitHub.
	DefaultUserAgent = "github-gateway"
	// DefaultRequestTimeout bounds one physical call.
	DefaultRequestTimeout = 15 * time.Second

	maxResponseBytes = 32 << 20
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExecutorConfig configures a single-call executor.
type ExecutorConfig struct {
	BaseURL string
	// Token is sent as "Authorization: token <Token>". Leave empty when the
	// doer authenticates itself, as the GitHub App transport does.
	Token      string
	UserAgent  string
	APIVersion string
	Accept     string
	Timeout    time.Duration
}

// Response is one successful physical response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RateLimit  RateLimitHeaders
	URL        string
}

// Decode unmarshals the response body into target. Empty bodies leave target untouched.
func (r *Response) Decode(target any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

// Executor performs exactly one authenticated GitHub call per Execute. It never retries.
type Executor struct {
	doer       HTTPDoer
	gate       *RateGate
	baseURL    *url.URL
	token      string
	userAgent  string
	apiVersion string
	accept     string
	timeout    time.Duration

	// Sleep is used for proactive rate gate waits and is injected for testability.
	Sleep SleepFunc
}

// NewExecutor creates an executor. gate may be nil, in which case rate headers
// are parsed but not tracked.
func NewExecutor(doer HTTPDoer, gate *RateGate, cfg ExecutorConfig) (*Executor, error) {
	if doer == nil {
		doer = &http.Client{}
	}

	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		rawBaseURL = DefaultAPIBaseURL
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	baseURL.Path = strings.TrimSuffix(baseURL.Path, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Executor{
		doer:       doer,
		gate:       gate,
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		userAgent:  valueOrDefault(cfg.UserAgent, DefaultUserAgent),
		apiVersion: valueOrDefault(cfg.APIVersion, DefaultAPIVersion),
		accept:     valueOrDefault(cfg.Accept, DefaultAccept),
		timeout:    timeout,
		Sleep:      SleepContext,
	}, nil
}

// Gate returns the rate gate the executor observes into.
func (e *Executor) Gate() *RateGate {
	return e.gate
}

// Execute performs one physical call for desc.
func (e *Executor) Execute(ctx context.Context, desc RequestDescriptor) (*Response, error) {
	if ctx.Err() != nil {
		return nil, newCanceledError(ctx.Err())
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = telemetry.Tracer("githubapi").Start(
			ctx,
			"githubapi.executor.execute",
			trace.WithAttributes(
				attribute.String("http.method", desc.Method()),
				attribute.String("http.path", desc.Endpoint()),
			),
		)
		defer span.End()
	}

	resp, err := e.execute(ctx, desc)
	if span != nil {
		if err != nil {
			telemetry.RecordFailure(span, err, string(ClassOf(err)))
		} else {
			span.SetAttributes(attribute.Int("github.rate_limit_remaining", resp.RateLimit.Remaining))
			telemetry.RecordHTTPStatus(span, resp.StatusCode)
		}
	}
	return resp, err
}

func (e *Executor) execute(ctx context.Context, desc RequestDescriptor) (*Response, error) {
	target, err := e.resolve(desc)
	if err != nil {
		return nil, err
	}

	if e.gate != nil {
		if err := e.gate.Wait(ctx, e.Sleep); err != nil {
			return nil, newCanceledError(err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if payload := desc.Body(); payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, desc.Method(), target, body)
	if err != nil {
		return nil, fmt.Errorf("build github request: %w", err)
	}
	e.setHeaders(req, body != nil)

	resp, err := e.doer.Do(req)
	if err != nil {
		return nil, e.transportError(ctx, desc, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var rateHeaders RateLimitHeaders
	if e.gate != nil {
		rateHeaders = e.gate.Observe(resp.Header, resp.StatusCode)
	} else {
		rateHeaders = ParseRateLimitHeaders(resp.Header, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, e.transportError(ctx, desc, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       payload,
			RateLimit:  rateHeaders,
			URL:        target,
		}, nil
	}

	return nil, classifyResponse(desc, resp.StatusCode, rateHeaders, payload)
}

func (e *Executor) resolve(desc RequestDescriptor) (string, error) {
	if desc.absoluteURL != "" {
		parsed, err := url.Parse(desc.absoluteURL)
		if err != nil {
			return "", fmt.Errorf("parse next link: %w", err)
		}
		if !strings.EqualFold(parsed.Scheme, e.baseURL.Scheme) || !strings.EqualFold(parsed.Host, e.baseURL.Host) {
			return "", fmt.Errorf("next link host %q does not match api host %q", parsed.Host, e.baseURL.Host)
		}
		return parsed.String(), nil
	}

	target := *e.baseURL
	target.Path = e.baseURL.Path + desc.Path()
	target.RawPath = ""
	target.RawQuery = desc.Query().Encode()
	return target.String(), nil
}

func (e *Executor) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", e.accept)
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("X-GitHub-Api-Version", e.apiVersion)
	if e.token != "" {
		req.Header.Set("Authorization", "token "+e.token)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

// transportError separates caller cancellation from network failures. A
// per-call timeout leaves the parent context alive and counts as a network error.
func (e *Executor) transportError(parent context.Context, desc RequestDescriptor, err error) error {
	if parent.Err() != nil {
		return newCanceledError(parent.Err())
	}
	message := "transport failure"
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("request exceeded %s timeout", e.timeout)
	}
	return &CallError{
		Class:    ClassNetworkError,
		Method:   desc.Method(),
		Endpoint: desc.Endpoint(),
		Message:  message,
		Err:      err,
	}
}

type apiErrorBody struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
}

func classifyResponse(desc RequestDescriptor, statusCode int, rateHeaders RateLimitHeaders, payload []byte) *CallError {
	var body apiErrorBody
	_ = json.Unmarshal(payload, &body)

	callErr := &CallError{
		StatusCode:       statusCode,
		Method:           desc.Method(),
		Endpoint:         desc.Endpoint(),
		Message:          body.Message,
		DocumentationURL: body.DocumentationURL,
		RetryAfter:       rateHeaders.RetryAfter,
		RateLimit:        rateHeaders,
	}
	if callErr.Message == "" {
		callErr.Message = http.StatusText(statusCode)
	}

	switch {
	case rateHeaders.Limited:
		callErr.Class = ClassRateLimited
	case statusCode == http.StatusForbidden && isRateLimitMessage(body.Message):
		callErr.Class = ClassRateLimited
	case statusCode >= 500:
		callErr.Class = ClassServerError
	default:
		callErr.Class = ClassClientError
	}
	return callErr
}

func valueOrDefault(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
