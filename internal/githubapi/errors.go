package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FailureClass classifies a failed GitHub call.
type FailureClass string

const (
	// ClassClientError is a 4xx response other than a rate limit. Never retried.
	ClassClientError FailureClass = "client_error"
	// ClassRateLimited is a 429, or a 403 signalling an exhausted or secondary rate limit.
	ClassRateLimited FailureClass = "rate_limited"
	// ClassServerError is a 5xx response.
	ClassServerError FailureClass = "server_error"
	// ClassNetworkError is a transport failure or per-call timeout.
	ClassNetworkError FailureClass = "network_error"
	// ClassExhausted means the retry budget was consumed by transient failures.
	ClassExhausted FailureClass = "exhausted"
	// ClassPaginationOverflow means a pagination walk exceeded its page cap.
	ClassPaginationOverflow FailureClass = "pagination_overflow"
	// ClassCanceled means the caller canceled the operation.
	ClassCanceled FailureClass = "canceled"
	// ClassInvalidRequest means the request was rejected before anything was sent.
	ClassInvalidRequest FailureClass = "invalid_request"
	// ClassUnknown is any other error.
	ClassUnknown FailureClass = "unknown"
)

// CallError is a classified failure of one physical GitHub call.
type CallError struct {
	Class            FailureClass
	StatusCode       int
	Method           string
	Endpoint         string
	Message          string
	DocumentationURL string
	RetryAfter       time.Duration
	RateLimit        RateLimitHeaders
	Err              error
}

func (e *CallError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "github %s %s: %s", e.Method, e.Endpoint, e.Class)
	if e.StatusCode > 0 {
		fmt.Fprintf(&builder, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&builder, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&builder, ": %v", e.Err)
	}
	return builder.String()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class may succeed on a later attempt.
func (e *CallError) Retryable() bool {
	switch e.Class {
	case ClassRateLimited, ClassServerError, ClassNetworkError:
		return true
	default:
		return false
	}
}

// ExhaustedError is returned when every attempt of a logical call failed transiently.
type ExhaustedError struct {
	Method   string
	Endpoint string
	Attempts int
	Last     *CallError
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("github %s %s: retries exhausted after %d attempts", e.Method, e.Endpoint, e.Attempts)
	}
	return fmt.Sprintf("github %s %s: retries exhausted after %d attempts: %v", e.Method, e.Endpoint, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// PaginationOverflowError is returned when a walk would fetch more pages than allowed,
// or when the provider links back to a page already visited.
type PaginationOverflowError struct {
	Endpoint     string
	MaxPages     int
	PagesFetched int
	Cyclic       bool
}

func (e *PaginationOverflowError) Error() string {
	if e.Cyclic {
		return fmt.Sprintf("github pagination %s: next link revisits a fetched page after %d pages", e.Endpoint, e.PagesFetched)
	}
	return fmt.Sprintf("github pagination %s: page cap of %d exceeded", e.Endpoint, e.MaxPages)
}

// ClassOf returns the failure class carried by err.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return ClassExhausted
	}
	var overflow *PaginationOverflowError
	if errors.As(err, &overflow) {
		return ClassPaginationOverflow
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}
	if errors.Is(err, errCanceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrInvalidRequest) {
		return ClassInvalidRequest
	}
	return ClassUnknown
}

// StatusCodeOf returns the upstream HTTP status behind err, or zero.
func StatusCodeOf(err error) int {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Class == ClassClientError && callErr.StatusCode == http.StatusNotFound
}

// IsClientError reports whether err is a terminal 4xx failure.
func IsClientError(err error) bool {
	return ClassOf(err) == ClassClientError
}

// IsRateLimited reports whether err is, or was exhausted by, a rate-limit response.
func IsRateLimited(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Class == ClassRateLimited
}

// IsExhausted reports whether err is a consumed retry budget.
func IsExhausted(err error) bool {
	return ClassOf(err) == ClassExhausted
}

// IsPaginationOverflow reports whether err is a page cap violation.
func IsPaginationOverflow(err error) bool {
	return ClassOf(err) == ClassPaginationOverflow
}

// isRateLimitMessage recognizes GitHub's 403 wording for primary and secondary limits.
func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection")
}

// ErrInvalidRequest wraps every validation failure raised before a call is sent.
var ErrInvalidRequest = errors.New("invalid github request")

func invalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// errCanceled marks errors caused by caller cancellation rather than GitHub.
var errCanceled = errors.New("github call canceled")

type canceledError struct {
	cause error
}

func (e *canceledError) Error() string {
	return fmt.Sprintf("%v: %v", errCanceled, e.cause)
}

func (e *canceledError) Unwrap() []error {
	return []error{errCanceled, e.cause}
}

func newCanceledError(cause error) error {
	return &canceledError{cause: cause}
}
