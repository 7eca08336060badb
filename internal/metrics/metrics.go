package metrics

import (
	"net/http"
	"strconv"

	"github.com/cam3ron2/github-gateway/internal/githubapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "github_gateway"

// RateGateReader reads the shared rate budget.
type RateGateReader interface {
	Snapshot() githubapi.RateLimitState
}

// Registry owns every gateway collector. It implements the retry observer and
// the inbound and webhook recorders.
type Registry struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	inbound  *prometheus.CounterVec
	webhooks *prometheus.CounterVec
}

// NewRegistry creates a registry. gate may be nil.
func NewRegistry(gate RateGateReader) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_calls_total",
			Help:      "Logical GitHub calls by method and final state.",
		}, []string{"method", "state", "class"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "github_call_attempts",
			Help:      "Physical attempts consumed per logical GitHub call.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}, []string{"method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_retries_total",
			Help:      "Scheduled GitHub retries by failure class.",
		}, []string{"class"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_requests_total",
			Help:      "Inbound limiter decisions.",
		}, []string{"allowed"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	r.registry.MustRegister(r.calls, r.attempts, r.retries, r.inbound, r.webhooks)
	r.TrackRateGate(gate)
	return r
}

// TrackRateGate exports gate's budget. The gateway owns its gate, so runtimes
// that build the registry first attach the gate afterwards. Call it once.
func (r *Registry) TrackRateGate(gate RateGateReader) {
	if gate == nil {
		return
	}
	r.registry.MustRegister(newRateGateCollector(gate))
}

// Handler serves the registry in OpenMetrics or text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveRetry implements githubapi.RetryObserver.
func (r *Registry) ObserveRetry(event githubapi.RetryEvent) {
	switch event.State {
	case githubapi.RetryStateRetrying:
		r.retries.WithLabelValues(string(event.Class)).Inc()
	case githubapi.RetryStateSuccess, githubapi.RetryStateExhausted, githubapi.RetryStateTerminal:
		r.calls.WithLabelValues(event.Method, string(event.State), string(event.Class)).Inc()
		r.attempts.WithLabelValues(event.Method).Observe(float64(event.Attempt))
	}
}

// ObserveInbound implements inbound.Recorder.
func (r *Registry) ObserveInbound(allowed bool) {
	r.inbound.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// ObserveWebhook implements webhook.Recorder.
func (r *Registry) ObserveWebhook(event string, outcome string) {
	r.webhooks.WithLabelValues(event, outcome).Inc()
}

type rateGateCollector struct {
	gate      RateGateReader
	limit     *prometheus.Desc
	remaining *prometheus.Desc
	reset     *prometheus.Desc
}

func newRateGateCollector(gate RateGateReader) *rateGateCollector {
	return &rateGateCollector{
		gate:      gate,
		limit:     prometheus.NewDesc(namespace+"_rate_limit_limit", "Last observed GitHub rate limit.", nil, nil),
		remaining: prometheus.NewDesc(namespace+"_rate_limit_remaining", "Last observed GitHub calls remaining in the window.", nil, nil),
		reset:     prometheus.NewDesc(namespace+"_rate_limit_reset_timestamp_seconds", "Unix time the GitHub rate window resets.", nil, nil),
	}
}

func (c *rateGateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.limit
	ch <- c.remaining
	ch <- c.reset
}

func (c *rateGateCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.gate == nil {
		return
	}
	state := c.gate.Snapshot()
	if !state.Known {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(state.Limit))
	ch <- prometheus.MustNewConstMetric(c.remaining, prometheus.GaugeValue, float64(state.Remaining))
	ch <- prometheus.MustNewConstMetric(c.reset, prometheus.GaugeValue, float64(state.ResetAt.Unix()))
}
