package telemetry

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the resource service name used when none is configured.
const DefaultServiceName = "github-gateway"

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"

	// errorsModeRatio is the head sampling ratio used by the errors mode when
	// no ratio is configured.
	errorsModeRatio = 0.01
)

// ValidTraceModes lists accepted trace mode values.
var ValidTraceModes = []string{traceModeOff, traceModeErrors, traceModeSampled, traceModeDetailed}

var activeTraceMode atomic.Value

// Config configures tracing for the gateway process.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Provider owns the process tracer provider.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.TracerProvider == nil {
		return nil
	}
	return p.TracerProvider.Shutdown(ctx)
}

// Setup installs the global tracer provider. A disabled config still installs
// a provider so tracers resolve, but every span is dropped.
func Setup(cfg Config) (*Provider, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = traceModeOff
	}
	activeTraceMode.Store(mode)

	serviceResource, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(serviceResource),
	)
	otel.SetTracerProvider(tracerProvider)
	return &Provider{TracerProvider: tracerProvider}, nil
}

// Tracer returns the tracer for one gateway component.
func Tracer(component string) trace.Tracer {
	name := DefaultServiceName
	if trimmed := strings.TrimSpace(component); trimmed != "" {
		name += "/" + trimmed
	}
	return otel.Tracer(name)
}

// TraceMode reports the active trace mode.
func TraceMode() string {
	mode, _ := activeTraceMode.Load().(string)
	if mode == "" {
		return traceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports if outbound GitHub calls get their own spans.
func ShouldTraceDependencies() bool {
	return TraceMode() == traceModeDetailed
}

// ShouldTraceRequests reports if inbound HTTP requests get server spans.
func ShouldTraceRequests() bool {
	return TraceMode() != traceModeOff
}

// RecordHTTPStatus tags span with statusCode. Only 5xx marks the span failed.
func RecordHTTPStatus(span trace.Span, statusCode int) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if statusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(statusCode))
		return
	}
	span.SetStatus(codes.Ok, "request completed")
}

// RecordFailure records err on span under the given failure class.
func RecordFailure(span trace.Span, err error, class string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, class)
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	ratio = clampRatio(ratio)
	switch normalizeTraceMode(mode) {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed:
		return sdktrace.AlwaysSample()
	case traceModeErrors:
		if ratio <= 0 {
			ratio = errorsModeRatio
		}
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func normalizeTraceMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	for _, valid := range ValidTraceModes {
		if normalized == valid {
			return normalized
		}
	}
	return traceModeSampled
}

func clampRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}
