package app

import (
	"net/http"
	"strings"

	"github.com/cam3ron2/github-gateway/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Routes are the handlers mounted by NewHTTPHandler. Nil handlers answer 404.
type Routes struct {
	Metrics http.Handler
	Health  http.Handler
	// API is mounted under /api.
	API         http.Handler
	Webhook     http.Handler
	WebhookPath string
	// Inbound is applied to every route; the middleware skips its own exempt paths.
	Inbound func(http.Handler) http.Handler
}

// NewHTTPHandler wires operational, webhook and dashboard endpoints on a single router.
func NewHTTPHandler(routes Routes) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if routes.Inbound != nil {
		router.Use(routes.Inbound)
	}

	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", routes.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", routes.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", routes.Health))

	webhookPath := strings.TrimSpace(routes.WebhookPath)
	if webhookPath != "" {
		router.Handle(webhookPath, wrapHTTPHandler(traceMode, "webhook", routes.Webhook))
	}
	if routes.API != nil {
		router.Mount("/api", wrapHTTPHandler(traceMode, "api", routes.API))
	}
	return router
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer("app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()
		if requestID := middleware.GetReqID(r.Context()); requestID != "" {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		telemetry.RecordHTTPStatus(span, recorder.status)
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.status = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
