package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrTamperDetected          = errors.New("tamper detected")
	ErrRetryExhausted          = errors.New("retry exhausted")
	ErrRateLimited             = errors.New("rate limited")
	ErrQueueFull               = errors.New("queue full")
	ErrCircuitOpen             = errors.New("circuit open")
	ErrMissingDurableReference = errors.New("missing durable reference")
	ErrCrossTenant             = errors.New("cross-tenant access")
	ErrNonRetryable            = errors.New("non-retryable")
)

// ConfigurationError reports missing or invalid policy input.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration error: %s", e.Field)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

// TamperError reports a recorded digest that does not match recomputed content.
type TamperError struct {
	EventID  string
	Field    string
	Expected string
	Actual   string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("tamper detected: event %s %s: recorded %s, computed %s", e.EventID, e.Field, e.Expected, e.Actual)
}

func (e *TamperError) Unwrap() error { return ErrTamperDetected }

// RetryExhaustedError is returned once a guarded operation used all attempts.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// MissingReferenceError reports a durable record replay needs but cannot find.
type MissingReferenceError struct {
	Key     string
	Version uint64
}

func (e *MissingReferenceError) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("missing durable reference: %s (not recorded)", e.Key)
	}
	return fmt.Sprintf("missing durable reference: %s@%d", e.Key, e.Version)
}

func (e *MissingReferenceError) Unwrap() error { return ErrMissingDurableReference }
