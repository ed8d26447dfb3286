package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// RetryPolicy bounds attempts and shapes the delay between them. The delay
// before attempt n+1 is BaseDelay * Multiplier^(n-1), capped at MaxDelay,
// randomized by ±JitterFactor.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return &contracts.ConfigurationError{Field: "retry.max_attempts", Err: fmt.Errorf("must be at least 1, got %d", p.MaxAttempts)}
	case p.BaseDelay < 0:
		return &contracts.ConfigurationError{Field: "retry.base_delay", Err: fmt.Errorf("must not be negative")}
	case p.Multiplier < 1:
		return &contracts.ConfigurationError{Field: "retry.multiplier", Err: fmt.Errorf("must be at least 1, got %v", p.Multiplier)}
	case p.MaxDelay < p.BaseDelay:
		return &contracts.ConfigurationError{Field: "retry.max_delay", Err: fmt.Errorf("must be at least base_delay")}
	case p.JitterFactor < 0 || p.JitterFactor >= 1:
		return &contracts.ConfigurationError{Field: "retry.jitter_factor", Err: fmt.Errorf("must be in [0, 1), got %v", p.JitterFactor)}
	}
	return nil
}

// schedule returns a fresh backoff for one guarded call.
func (p RetryPolicy) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.JitterFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Delays returns the un-jittered delays before attempts 2..MaxAttempts.
func (p RetryPolicy) Delays() []time.Duration {
	q := p
	q.JitterFactor = 0
	b := q.schedule()
	out := make([]time.Duration, 0, max(p.MaxAttempts-1, 0))
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retryable reports whether a failed attempt may be retried.
func Retryable(err error) bool {
	var perm *backoff.PermanentError
	switch {
	case err == nil:
		return false
	case errors.As(err, &perm), errors.Is(err, contracts.ErrNonRetryable):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
