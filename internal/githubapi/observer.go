package githubapi

import (
	"time"

	"go.uber.org/zap"
)

// RetryEvent is one state transition of a logical call.
type RetryEvent struct {
	OperationID string
	Method      string
	Endpoint    string
	State       RetryState
	// Attempt is the 1-based number of the physical attempt the event refers to.
	Attempt     int
	MaxAttempts int
	// Delay is set on Retrying events.
	Delay      time.Duration
	StatusCode int
	Class      FailureClass
	Err        error
}

// RetryObserver receives retry events. Implementations must be safe for concurrent use.
type RetryObserver interface {
	ObserveRetry(event RetryEvent)
}

// RetryObserverFunc adapts a function to RetryObserver.
type RetryObserverFunc func(event RetryEvent)

// ObserveRetry calls f(event).
func (f RetryObserverFunc) ObserveRetry(event RetryEvent) {
	f(event)
}

// MultiObserver fans events out to every non-nil observer in order.
type MultiObserver []RetryObserver

// ObserveRetry forwards event.
func (m MultiObserver) ObserveRetry(event RetryEvent) {
	for _, observer := range m {
		if observer != nil {
			observer.ObserveRetry(event)
		}
	}
}

// ZapRetryObserver logs retry events.
type ZapRetryObserver struct {
	logger *zap.Logger
}

// NewZapRetryObserver creates a logging observer.
func NewZapRetryObserver(logger *zap.Logger) *ZapRetryObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapRetryObserver{logger: logger}
}

// ObserveRetry implements RetryObserver.
func (o *ZapRetryObserver) ObserveRetry(event RetryEvent) {
	fields := []zap.Field{
		zap.String("operation_id", event.OperationID),
		zap.String("method", event.Method),
		zap.String("endpoint", event.Endpoint),
		zap.Int("attempt", event.Attempt),
		zap.Int("max_attempts", event.MaxAttempts),
	}
	if event.StatusCode > 0 {
		fields = append(fields, zap.Int("status_code", event.StatusCode))
	}
	if event.Class != "" {
		fields = append(fields, zap.String("failure_class", string(event.Class)))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}

	switch event.State {
	case RetryStateRetrying:
		o.logger.Info("github call retrying", append(fields, zap.Duration("delay", event.Delay))...)
	case RetryStateExhausted:
		o.logger.Warn("github call retries exhausted", fields...)
	case RetryStateTerminal:
		o.logger.Warn("github call failed", fields...)
	case RetryStateSuccess:
		if event.Attempt > 1 {
			o.logger.Info("github call recovered", fields...)
			return
		}
		o.logger.Debug("github call succeeded", fields...)
	default:
		o.logger.Debug("github call attempting", fields...)
	}
}
