package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes matches GitHub's 25 MiB payload cap.
	DefaultMaxBodyBytes int64 = 25 << 20
	// DefaultDedupTTL is how long a delivery id is remembered.
	DefaultDedupTTL = time.Hour
)

// Outcome labels the result of one delivery.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeRejected   Outcome = "rejected"
	OutcomeTooLarge   Outcome = "too_large"
	OutcomeBadRequest Outcome = "bad_request"
	OutcomeFailed     Outcome = "failed"
)

// Deduper remembers delivery ids.
type Deduper interface {
	AcquireDedupLock(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseDedupLock(ctx context.Context, key string) error
}

// Recorder counts delivery outcomes.
type Recorder interface {
	ObserveWebhook(event string, outcome string)
}

// EventHandler handles one verified, parsed event. payload is the concrete
// go-github event type, for example *github.PushEvent.
type EventHandler func(ctx context.Context, delivery Envelope, payload any) error

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Secret       string
	MaxBodyBytes int64
	DedupTTL     time.Duration
	Deduper      Deduper
	Recorder     Recorder
	Logger       *zap.Logger
	Now          func() time.Time
}

// Handler receives GitHub webhook deliveries.
type Handler struct {
	secret       string
	maxBodyBytes int64
	dedupTTL     time.Duration
	deduper      Deduper
	recorder     Recorder
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewHandler creates a webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		secret:       cfg.Secret,
		maxBodyBytes: maxBody,
		dedupTTL:     ttl,
		deduper:      cfg.Deduper,
		recorder:     cfg.Recorder,
		logger:       logger,
		now:          now,
		handlers:     make(map[string][]EventHandler),
	}
}

// On registers fn for an event type such as "push" or "issues".
func (h *Handler) On(event string, fn EventHandler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(event))
	h.handlers[key] = append(h.handlers[key], fn)
}

// ServeHTTP verifies the raw body before anything parses it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	event := strings.TrimSpace(r.Header.Get(EventHeader))
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		h.finish(w, "", OutcomeBadRequest, http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		h.finish(w, "", OutcomeTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	envelope := Envelope{
		RawBody:    body,
		Signature:  r.Header.Get(SignatureHeader),
		Event:      event,
		DeliveryID: strings.TrimSpace(r.Header.Get(DeliveryHeader)),
	}
	if err := VerifyEnvelope(envelope, h.secret); err != nil {
		var rejected *RejectedError
		reason := ""
		if errors.As(err, &rejected) {
			reason = string(rejected.Reason)
		}
		h.logger.Warn("webhook verification failed",
			zap.String("delivery_id", envelope.DeliveryID),
			zap.String("reason", reason),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.finish(w, "", OutcomeRejected, http.StatusUnauthorized)
		return
	}

	if envelope.Event == "" {
		h.finish(w, event, OutcomeBadRequest, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if envelope.DeliveryID != "" && h.deduper != nil {
		acquired, err := h.deduper.AcquireDedupLock(ctx, envelope.DeliveryID, h.dedupTTL, h.now())
		if err != nil {
			h.logger.Warn("webhook dedup check failed; processing delivery", zap.String("delivery_id", envelope.DeliveryID), zap.Error(err))
		} else if !acquired {
			h.logger.Debug("webhook duplicate delivery", zap.String("delivery_id", envelope.DeliveryID), zap.String("event", event))
			h.finish(w, event, OutcomeDuplicate, http.StatusOK)
			return
		}
	}

	if strings.EqualFold(envelope.Event, "ping") {
		h.finish(w, event, OutcomeAccepted, http.StatusOK)
		return
	}

	h.mu.RLock()
	handlers := append([]EventHandler(nil), h.handlers[strings.ToLower(envelope.Event)]...)
	h.mu.RUnlock()
	if len(handlers) == 0 {
		h.logger.Debug("webhook event has no handler", zap.String("event", event), zap.String("delivery_id", envelope.DeliveryID))
		h.finish(w, event, OutcomeIgnored, http.StatusAccepted)
		return
	}

	payload, err := github.ParseWebHook(envelope.Event, envelope.RawBody)
	if err != nil {
		h.logger.Warn("webhook payload parse failed", zap.String("event", event), zap.String("delivery_id", envelope.DeliveryID), zap.Error(err))
		h.releaseDelivery(ctx, envelope.DeliveryID)
		h.finish(w, event, OutcomeBadRequest, http.StatusBadRequest)
		return
	}

	for _, handler := range handlers {
		if err := handler(ctx, envelope, payload); err != nil {
			h.logger.Error("webhook handler failed", zap.String("event", event), zap.String("delivery_id", envelope.DeliveryID), zap.Error(err))
			h.releaseDelivery(ctx, envelope.DeliveryID)
			h.finish(w, event, OutcomeFailed, http.StatusInternalServerError)
			return
		}
	}

	h.logger.Info("webhook delivered", zap.String("event", event), zap.String("delivery_id", envelope.DeliveryID))
	h.finish(w, event, OutcomeAccepted, http.StatusOK)
}

// releaseDelivery forgets a delivery that was not processed so a redelivery is.
func (h *Handler) releaseDelivery(ctx context.Context, deliveryID string) {
	if deliveryID == "" || h.deduper == nil {
		return
	}
	if err := h.deduper.ReleaseDedupLock(context.WithoutCancel(ctx), deliveryID); err != nil {
		h.logger.Warn("webhook dedup release failed", zap.String("delivery_id", deliveryID), zap.Error(err))
	}
}

// finish records outcome and writes status. Event labels come only from
// verified deliveries.
func (h *Handler) finish(w http.ResponseWriter, event string, outcome Outcome, status int) {
	if h.recorder != nil {
		label := event
		if label == "" {
			label = "unknown"
		}
		h.recorder.ObserveWebhook(label, string(outcome))
	}
	w.WriteHeader(status)
}
