package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *kv.MemoryStore
	log    *audit.MemoryLog
	sink   *audit.Emitter
	clock  *clock
	guard  *Guard
	sleeps []time.Duration
}

func testConfig() GuardConfig {
	return GuardConfig{
		Timeouts: Timeouts{DefaultCategory: time.Second, "fast": 20 * time.Millisecond},
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    time.Second,
		},
		Breaker:     BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second},
		GlobalLimit: Limit{Rate: 100, Burst: 100},
		TenantLimit: Limit{Rate: 50, Burst: 50},
	}
}

func newFixture(t *testing.T, mutate func(*GuardConfig)) *fixture {
	t.Helper()
	f := &fixture{store: kv.NewMemoryStore(), log: audit.NewMemoryLog(), clock: newClock()}
	f.sink = audit.NewEmitter(f.log, "test").WithClock(f.clock.Now)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGuard(cfg, f.store, NewMemoryLimiter().WithClock(f.clock.Now), f.sink)
	require.NoError(t, err)
	f.guard = g.WithClock(f.clock.Now).WithSleeper(func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	})
	return f
}

func (f *fixture) count(t *testing.T, corr string, typ events.Type) int {
	t.Helper()
	evs, err := f.log.ReadByCorrelation(context.Background(), corr)
	require.NoError(t, err)
	n := 0
	for _, e := range evs {
		if e.EventType == typ {
			n++
		}
	}
	return n
}

func call(corr string) Call {
	return Call{Operation: "notify", TenantID: "t1", CorrelationID: corr, Params: map[string]any{"to": "ops"}}
}

func TestGuard_RetryExhaustedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *GuardConfig) { c.Retry.MaxAttempts = 2 })
	var calls int32
	boom := errors.New("upstream 503")

	_, err := f.guard.Do(context.Background(), call("c-retry"), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	})

	require.ErrorIs(t, err, contracts.ErrRetryExhausted)
	require.ErrorIs(t, err, boom)
	var rex *contracts.RetryExhaustedError
	require.ErrorAs(t, err, &rex)
	assert.Equal(t, 2, rex.Attempts)

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, 2, f.count(t, "c-retry", events.TypeAttempt))
	assert.Equal(t, 1, f.count(t, "c-retry", events.TypeRetryExhausted))
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, f.sleeps)
}

func TestGuard_RecoversOnRetry(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	out, err := f.guard.Do(context.Background(), call("c-recover"), func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"sent": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.JSONEq(t, `{"sent":true}`, string(out.Result))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps)
	assert.Equal(t, 0, f.count(t, "c-recover", events.TypeRetryExhausted))
}

func TestGuard_IdempotentCallRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var calls int32
	fn := func(context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return map[string]any{"n": n}, nil
	}

	first, err := f.guard.Do(ctx, call("c-idem"), fn)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.guard.Do(ctx, call("c-idem"), fn)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 1, f.count(t, "c-idem", events.TypeIdempotencyHit))

	// Different stable parameters are a different operation.
	other := call("c-idem")
	other.Params = map[string]any{"to": "dev"}
	third, err := f.guard.Do(ctx, other, fn)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), calls)
}

func TestGuard_ConcurrentDuplicatesShareOneExecution(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "done", nil
	}

	var wg sync.WaitGroup
	results := make([]*Outcome, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.guard.Do(context.Background(), call("c-dup"), fn)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
	for _, r := range results {
		require.NotNil(t, r)
		assert.JSONEq(t, `"done"`, string(r.Result))
	}
}

func TestGuard_PermanentErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	bad := errors.New("400 bad request")
	_, err := f.guard.Do(context.Background(), call("c-perm"), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, Permanent(bad)
	})
	require.ErrorIs(t, err, bad)
	assert.NotErrorIs(t, err, contracts.ErrRetryExhausted)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, f.sleeps)
}

func TestGuard_TimeoutEmitsCategoryEvent(t *testing.T) {
	f := newFixture(t, func(c *GuardConfig) { c.Retry.MaxAttempts = 1 })
	c := call("c-slow")
	c.Category = "fast"

	_, err := f.guard.Do(context.Background(), c, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, contracts.ErrRetryExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.count(t, "c-slow", events.Timeout("fast")))

	evs, err := f.log.ReadByCorrelation(context.Background(), "c-slow")
	require.NoError(t, err)
	for _, e := range evs {
		if e.EventType == events.TypeAttempt {
			var a AttemptEvent
			require.NoError(t, e.Decode(&a))
			assert.Equal(t, OutcomeTimeout, a.Outcome)
			assert.True(t, a.Retryable)
		}
	}
}

func TestGuard_TimeoutAbortsUncooperativeEffect(t *testing.T) {
	f := newFixture(t, func(c *GuardConfig) { c.Retry.MaxAttempts = 1 })
	c := call("c-stuck")
	c.Category = "fast"
	stuck := make(chan struct{})
	defer close(stuck)

	start := time.Now()
	_, err := f.guard.Do(context.Background(), c, func(context.Context) (any, error) {
		<-stuck
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuard_CancellationIsNeverASuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()
	out, err := f.guard.Do(ctx, call("c-cancel"), func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)

	key, err := IdempotencyKey("notify", "t1", "c-cancel", map[string]any{"to": "ops"})
	require.NoError(t, err)
	_, err = f.guard.idem.Lookup(context.Background(), "t1", key)
	require.ErrorIs(t, err, kv.ErrNotFound)

	b, err := f.guard.Breaker("notify")
	require.NoError(t, err)
	st, err := b.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)

	evs, err := f.log.ReadByCorrelation(context.Background(), "c-cancel")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	var a AttemptEvent
	require.NoError(t, evs[0].Decode(&a))
	assert.Equal(t, OutcomeCancelled, a.Outcome)
}

func TestGuard_RateLimitedBeforeEffect(t *testing.T) {
	f := newFixture(t, func(c *GuardConfig) { c.TenantLimit = Limit{Rate: 0.001, Burst: 1} })
	var calls int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}

	_, err := f.guard.Do(context.Background(), call("c-rl-1"), fn)
	require.NoError(t, err)
	_, err = f.guard.Do(context.Background(), call("c-rl-2"), fn)
	require.ErrorIs(t, err, contracts.ErrRateLimited)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 1, f.count(t, "c-rl-2", events.TypeRateLimited))
}

func TestGuard_CircuitOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *GuardConfig) { c.Retry.MaxAttempts = 1 })
	var calls int32
	failing := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	}

	for i := 0; i < 5; i++ {
		_, err := f.guard.Do(ctx, call("c-cb"), failing)
		require.ErrorIs(t, err, contracts.ErrRetryExhausted)
	}
	b, err := f.guard.Breaker("notify")
	require.NoError(t, err)
	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitOpen, st.State)

	_, err = f.guard.Do(ctx, call("c-cb"), failing)
	require.ErrorIs(t, err, contracts.ErrCircuitOpen)
	assert.Equal(t, int32(5), calls)
	assert.Equal(t, 1, f.count(t, "c-cb", events.TypeCircuitTransition))

	f.clock.Advance(30 * time.Second)
	out, err := f.guard.Do(ctx, call("c-cb"), func(context.Context) (any, error) { return "back", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)

	st, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitClosed, st.State)
	assert.Equal(t, 3, f.count(t, "c-cb", events.TypeCircuitTransition))
}

func TestGuardConfig_Validate(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts = Timeouts{}
	cfg.Retry.MaxAttempts = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, contracts.ErrConfiguration)

	var ce *contracts.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "timeouts.default", ce.Field)
}
