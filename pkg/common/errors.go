package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrRetryable indicates a transient error that should be retried (e.g. network glitch)
	ErrRetryable = errors.New("retryable error")

	// ErrNonRetryable indicates a permanent error that should NOT be retried (e.g. invalid config)
	ErrNonRetryable = errors.New("non-retryable error")
)

// Retryable wraps err so Classify reports it as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// NonRetryable wraps err so Classify reports it as permanent.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}

// ErrorClass buckets errors for the task processor's failure handling.
type ErrorClass string

const (
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassCircuitOpen ErrorClass = "circuit_open"
	ClassUnknown     ErrorClass = "unknown"
)

// IsRetryable reports whether the class feeds the backoff loop. Unknown
// errors are treated conservatively as retryable up to the retry budget.
func (c ErrorClass) IsRetryable() bool {
	return c == ClassTransient || c == ClassCircuitOpen || c == ClassUnknown
}

// CircuitOpenError is returned when a call is rejected without invoking the
// underlying operation because the breaker for it is open.
type CircuitOpenError struct {
	Operation string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for operation %q", e.Operation)
}

// Classify maps an error onto the pipeline's error taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return ClassCircuitOpen
	}
	if errors.Is(err, ErrNonRetryable) {
		return ClassPermanent
	}
	if errors.Is(err, ErrRetryable) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnknown
}
