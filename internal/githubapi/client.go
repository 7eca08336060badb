package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/github-gateway/internal/webhook"
	"go.uber.org/zap"
)

// Config configures a Gateway. It replaces any process-wide client state:
// several independently configured gateways may coexist.
type Config struct {
	BaseURL string
	// Token is a personal access or OAuth token. Mutually exclusive with App.
	Token          string
	App            AppAuthConfig
	UserAgent      string
	APIVersion     string
	Accept         string
	RequestTimeout time.Duration

	Retry      RetryPolicy
	RateGate   RateGateConfig
	Pagination PaginationConfig

	WebhookSecret string

	// HTTPClient overrides the transport. When App is enabled the App
	// transport is layered over HTTPClient's transport if it is an *http.Client.
	HTTPClient HTTPDoer
	Observer   RetryObserver
	Logger     *zap.Logger
}

// Gateway is the only entry point the rest of the service uses to reach GitHub.
type Gateway struct {
	executor      *Executor
	orchestrator  *Orchestrator
	walker        *Walker
	gate          *RateGate
	webhookSecret string
	logger        *zap.Logger
}

// NewGateway wires the executor, orchestrator and walker around one shared rate gate.
func NewGateway(cfg Config) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	token := strings.TrimSpace(cfg.Token)
	if token != "" && cfg.App.Enabled() {
		return nil, fmt.Errorf("configure either a token or github app credentials, not both")
	}

	doer := cfg.HTTPClient
	if cfg.App.Enabled() {
		appCfg := cfg.App
		if appCfg.BaseURL == "" {
			appCfg.BaseURL = cfg.BaseURL
		}
		if httpClient, ok := doer.(*http.Client); ok && appCfg.BaseTransport == nil {
			appCfg.BaseTransport = httpClient.Transport
		}
		appClient, err := NewAppHTTPClient(appCfg)
		if err != nil {
			return nil, err
		}
		doer = appClient
	}
	if doer == nil {
		doer = &http.Client{}
	}

	gate := NewRateGate(cfg.RateGate)
	executor, err := NewExecutor(doer, gate, ExecutorConfig{
		BaseURL:    cfg.BaseURL,
		Token:      token,
		UserAgent:  cfg.UserAgent,
		APIVersion: cfg.APIVersion,
		Accept:     cfg.Accept,
		Timeout:    cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	observer := MultiObserver{NewZapRetryObserver(logger.Named("githubapi"))}
	if cfg.Observer != nil {
		observer = append(observer, cfg.Observer)
	}
	orchestrator := NewOrchestrator(executor, cfg.Retry, observer)

	return &Gateway{
		executor:      executor,
		orchestrator:  orchestrator,
		walker:        NewWalker(orchestrator, cfg.Pagination),
		gate:          gate,
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

// Orchestrator exposes the retry orchestrator, mainly so tests can inject Sleep and Now.
func (g *Gateway) Orchestrator() *Orchestrator {
	return g.orchestrator
}

// Executor exposes the single-call executor.
func (g *Gateway) Executor() *Executor {
	return g.executor
}

// Do runs a prepared descriptor through the retry orchestrator.
func (g *Gateway) Do(ctx context.Context, desc RequestDescriptor) (*Result, error) {
	return g.orchestrator.Do(ctx, desc)
}

// Get fetches one resource.
func (g *Gateway) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return g.send(ctx, http.MethodGet, path, params, nil, ResourceObject)
}

// Post creates a resource.
func (g *Gateway) Post(ctx context.Context, path string, body any) (*Response, error) {
	return g.send(ctx, http.MethodPost, path, nil, body, ResourceObject)
}

// Put replaces a resource.
func (g *Gateway) Put(ctx context.Context, path string, body any) (*Response, error) {
	return g.send(ctx, http.MethodPut, path, nil, body, ResourceObject)
}

// Patch updates a resource.
func (g *Gateway) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return g.send(ctx, http.MethodPatch, path, nil, body, ResourceObject)
}

// Delete removes a resource. body may be nil.
func (g *Gateway) Delete(ctx context.Context, path string, body any) (*Response, error) {
	return g.send(ctx, http.MethodDelete, path, nil, body, ResourceNone)
}

// GetAllPaginated walks every page of a collection and returns its items in order.
func (g *Gateway) GetAllPaginated(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	iterator, err := g.Pages(path, params)
	if err != nil {
		return nil, err
	}
	return iterator.Collect(ctx)
}

// Pages starts a lazy walk over a collection.
func (g *Gateway) Pages(path string, params url.Values) (*PageIterator, error) {
	desc, err := NewRequestDescriptor(http.MethodGet, path, params, nil, ResourceCollection)
	if err != nil {
		return nil, err
	}
	return g.walker.Pages(desc), nil
}

// VerifyWebhook checks a raw webhook body against its X-Hub-Signature-256 value.
func (g *Gateway) VerifyWebhook(rawBody []byte, signatureHeader string) bool {
	return webhook.Verify(rawBody, signatureHeader, g.webhookSecret)
}

// RateLimit returns the last observed rate budget.
func (g *Gateway) RateLimit() RateLimitState {
	return g.gate.Snapshot()
}

// RateGate returns the shared rate gate.
func (g *Gateway) RateGate() *RateGate {
	return g.gate
}

func (g *Gateway) send(ctx context.Context, method, path string, params url.Values, body any, kind ResourceKind) (*Response, error) {
	desc, err := NewRequestDescriptor(method, path, params, body, kind)
	if err != nil {
		return nil, err
	}
	result, err := g.orchestrator.Do(ctx, desc)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// GetJSON fetches path and decodes the body into T.
func GetJSON[T any](ctx context.Context, g *Gateway, path string, params url.Values) (T, error) {
	var out T
	resp, err := g.Get(ctx, path, params)
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

// SendJSON sends body with method and decodes the response into T.
func SendJSON[T any](ctx context.Context, g *Gateway, method, path string, body any) (T, error) {
	var out T
	resp, err := g.send(ctx, method, path, nil, body, ResourceObject)
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

// ListAll walks a collection and decodes every item into T.
func ListAll[T any](ctx context.Context, g *Gateway, path string, params url.Values) ([]T, error) {
	raw, err := g.GetAllPaginated(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return DecodeItems[T](raw)
}

// DecodeItems decodes raw collection items into T.
func DecodeItems[T any](raw []json.RawMessage) ([]T, error) {
	items := make([]T, 0, len(raw))
	for idx, item := range raw {
		var decoded T
		if err := json.Unmarshal(item, &decoded); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", idx, err)
		}
		items = append(items, decoded)
	}
	return items, nil
}
