package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

func TestRetryPolicy_Delays(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
	}, p.Delays())
}

func TestRetryPolicy_JitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Second, JitterFactor: 0.25}
	for i := 0; i < 200; i++ {
		d := p.schedule().NextBackOff()
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	bad := []RetryPolicy{
		{MaxAttempts: 0, Multiplier: 1},
		{MaxAttempts: 1, Multiplier: 0.5},
		{MaxAttempts: 1, Multiplier: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond},
		{MaxAttempts: 1, Multiplier: 1, JitterFactor: 1},
	}
	for i, p := range bad {
		err := p.Validate()
		assert.ErrorIs(t, err, contracts.ErrConfiguration, "case %d", i)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("503")))
	assert.True(t, Retryable(fmt.Errorf("attempt: %w", context.DeadlineExceeded)))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Permanent(errors.New("400"))))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", Permanent(errors.New("400")))))
	assert.False(t, Retryable(fmt.Errorf("bad input: %w", contracts.ErrNonRetryable)))
	assert.False(t, Retryable(context.Canceled))
}

func TestTimeouts(t *testing.T) {
	to := Timeouts{DefaultCategory: time.Second, "db": 50 * time.Millisecond}
	require.NoError(t, to.Validate())
	assert.Equal(t, 50*time.Millisecond, to.For("db"))
	assert.Equal(t, time.Second, to.For("http"))

	require.ErrorIs(t, Timeouts{"db": time.Second}.Validate(), contracts.ErrConfiguration)
	require.ErrorIs(t, Timeouts{DefaultCategory: time.Second, "db": 0}.Validate(), contracts.ErrConfiguration)
}

func TestSleep_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestIdempotencyKey_IsStable(t *testing.T) {
	a, err := IdempotencyKey("op", "t1", "c1", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := IdempotencyKey("op", "t1", "c1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := IdempotencyKey("op", "t2", "c1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = IdempotencyKey("op", "t1", "c1", make(chan int))
	require.Error(t, err)
}
