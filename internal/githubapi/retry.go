package githubapi

import (
	"context"
	"errors"
	"time"

	"github.com/cam3ron2/github-gateway/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxAttempts is the total physical attempts per logical call.
	DefaultMaxAttempts = 4
	// DefaultBaseDelay is the first exponential backoff delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps exponential backoff.
	DefaultMaxDelay = 60 * time.Second
	// DefaultMinRateLimitDelay floors delays derived from X-RateLimit-Reset.
	DefaultMinRateLimitDelay = time.Second
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext sleeps for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryState is a state of the retry state machine.
type RetryState string

const (
	RetryStateAttempting RetryState = "attempting"
	RetryStateRetrying   RetryState = "retrying"
	RetryStateSuccess    RetryState = "success"
	RetryStateExhausted  RetryState = "exhausted"
	RetryStateTerminal   RetryState = "terminal"
)

// RetryPolicy configures retries for every logical call of an orchestrator.
type RetryPolicy struct {
	// MaxAttempts is the ceiling on physical attempts, including the first.
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MinRateLimitDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MinRateLimitDelay <= 0 {
		p.MinRateLimitDelay = DefaultMinRateLimitDelay
	}
	return p
}

// RetryPlan is the per-operation retry counter.
type RetryPlan struct {
	// Attempt is the 0-based index of the current physical attempt.
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPlan returns a fresh plan for one logical call.
func (p RetryPolicy) NewPlan() RetryPlan {
	normalized := p.withDefaults()
	return RetryPlan{
		MaxAttempts: normalized.MaxAttempts,
		BaseDelay:   normalized.BaseDelay,
		MaxDelay:    normalized.MaxDelay,
	}
}

// Backoff returns min(BaseDelay * 2^Attempt, MaxDelay).
func (p RetryPlan) Backoff() time.Duration {
	delay := p.BaseDelay
	for i := 0; i < p.Attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether no attempts remain after the current one.
func (p RetryPlan) Exhausted() bool {
	return p.Attempt+1 >= p.MaxAttempts
}

// RequestExecutor performs one physical call.
type RequestExecutor interface {
	Execute(ctx context.Context, desc RequestDescriptor) (*Response, error)
}

// Result is the outcome of a successful logical call.
type Result struct {
	Response    *Response
	Attempts    int
	OperationID string
}

// Orchestrator wraps an executor in a bounded retry loop.
type Orchestrator struct {
	executor RequestExecutor
	policy   RetryPolicy
	observer RetryObserver

	// Sleep and Now are injected for testability.
	Sleep SleepFunc
	Now   func() time.Time
}

// NewOrchestrator creates a retry orchestrator.
func NewOrchestrator(executor RequestExecutor, policy RetryPolicy, observer RetryObserver) *Orchestrator {
	return &Orchestrator{
		executor: executor,
		policy:   policy.withDefaults(),
		observer: observer,
		Sleep:    SleepContext,
		Now:      time.Now,
	}
}

// Policy returns the normalized retry policy.
func (o *Orchestrator) Policy() RetryPolicy {
	return o.policy
}

// Do runs desc until it succeeds, fails terminally or exhausts the retry budget.
func (o *Orchestrator) Do(ctx context.Context, desc RequestDescriptor) (*Result, error) {
	plan := o.policy.NewPlan()
	operationID := uuid.NewString()

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = telemetry.Tracer("githubapi").Start(
			ctx,
			"githubapi.orchestrator.do",
			trace.WithAttributes(
				attribute.String("http.method", desc.Method()),
				attribute.String("http.path", desc.Endpoint()),
				attribute.String("github.operation_id", operationID),
				attribute.Int("github.max_attempts", plan.MaxAttempts),
			),
		)
		defer span.End()
	}

	result, err := o.run(ctx, desc, plan, operationID)
	if span != nil {
		if err != nil {
			telemetry.RecordFailure(span, err, string(ClassOf(err)))
		} else {
			span.SetAttributes(attribute.Int("github.attempts", result.Attempts))
			span.SetStatus(codes.Ok, "request completed")
		}
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, desc RequestDescriptor, plan RetryPlan, operationID string) (*Result, error) {
	event := RetryEvent{
		OperationID: operationID,
		Method:      desc.Method(),
		Endpoint:    desc.Endpoint(),
		MaxAttempts: plan.MaxAttempts,
	}

	for ; ; plan.Attempt++ {
		event.Attempt = plan.Attempt + 1
		event.Delay = 0
		event.StatusCode = 0
		event.Class = ""
		event.Err = nil
		o.emit(event, RetryStateAttempting)

		resp, err := o.executor.Execute(ctx, desc)
		if err == nil {
			event.StatusCode = resp.StatusCode
			o.emit(event, RetryStateSuccess)
			return &Result{Response: resp, Attempts: plan.Attempt + 1, OperationID: operationID}, nil
		}

		event.Err = err
		event.Class = ClassOf(err)
		var callErr *CallError
		if !errors.As(err, &callErr) || !callErr.Retryable() {
			if callErr != nil {
				event.StatusCode = callErr.StatusCode
			}
			o.emit(event, RetryStateTerminal)
			return nil, err
		}
		event.StatusCode = callErr.StatusCode

		if plan.Exhausted() {
			o.emit(event, RetryStateExhausted)
			return nil, &ExhaustedError{
				Method:   desc.Method(),
				Endpoint: desc.Endpoint(),
				Attempts: plan.Attempt + 1,
				Last:     callErr,
			}
		}

		event.Delay = o.delayFor(plan, callErr)
		o.emit(event, RetryStateRetrying)
		if err := o.Sleep(ctx, event.Delay); err != nil {
			return nil, newCanceledError(err)
		}
	}
}

// delayFor picks the wait before the next attempt. Rate limits prefer
// Retry-After, then the window reset floored at MinRateLimitDelay, then backoff.
func (o *Orchestrator) delayFor(plan RetryPlan, callErr *CallError) time.Duration {
	if callErr.Class == ClassRateLimited {
		if callErr.RetryAfter > 0 {
			return callErr.RetryAfter
		}
		if callErr.RateLimit.HasReset {
			untilReset := callErr.RateLimit.ResetAt().Sub(o.now())
			if untilReset < o.policy.MinRateLimitDelay {
				return o.policy.MinRateLimitDelay
			}
			return untilReset
		}
	}
	return plan.Backoff()
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) emit(event RetryEvent, state RetryState) {
	if o.observer == nil {
		return
	}
	event.State = state
	o.observer.ObserveRetry(event)
}
