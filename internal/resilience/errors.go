package resilience

import (
	"context"
	"errors"
)

// ErrCircuitOpen indicates the circuit breaker rejected the call.
var ErrCircuitOpen = errors.New("circuit breaker open")

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient marks an error as retryable (network failure, timeout, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error is retryable. Call timeouts count;
// caller cancellation and breaker rejections do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t *transientError
	return errors.As(err, &t)
}
