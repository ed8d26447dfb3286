package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

func newBreaker(t *testing.T, store kv.Store, log audit.Log, c *clock) *Breaker {
	t.Helper()
	sink := audit.NewEmitter(log, "test").WithClock(c.Now)
	b, err := NewBreaker("payments", BreakerConfig{FailureThreshold: 5, Cooldown: 10 * time.Second}, store, sink)
	require.NoError(t, err)
	return b.WithClock(c.Now)
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := b.Allow(context.Background(), "c")
		require.NoError(t, err)
		require.NoError(t, b.Failure(context.Background(), "c", p))
	}
}

func TestBreaker_SingleHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	log := audit.NewMemoryLog()
	b := newBreaker(t, kv.NewMemoryStore(), log, c)

	fail(t, b, 4)
	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitClosed, st.State)
	assert.Equal(t, 4, st.FailureCount)

	fail(t, b, 1)
	st, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitOpen, st.State)
	assert.Equal(t, c.Now(), st.OpenedAt)

	_, err = b.Allow(ctx, "c")
	require.ErrorIs(t, err, contracts.ErrCircuitOpen)

	c.Advance(10 * time.Second)
	probe, err := b.Allow(ctx, "c")
	require.NoError(t, err)
	assert.True(t, probe.Probe)

	for i := 0; i < 3; i++ {
		_, err = b.Allow(ctx, "c")
		require.ErrorIs(t, err, contracts.ErrCircuitOpen)
	}

	require.NoError(t, b.Success(ctx, "c", probe))
	st, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)

	evs, err := log.ReadByCorrelation(ctx, "c")
	require.NoError(t, err)
	var path []string
	for _, e := range evs {
		require.Equal(t, events.TypeCircuitTransition, e.EventType)
		var tr Transition
		require.NoError(t, e.Decode(&tr))
		path = append(path, string(tr.From)+">"+string(tr.To))
	}
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, path)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	b := newBreaker(t, kv.NewMemoryStore(), audit.NewMemoryLog(), c)
	fail(t, b, 5)

	c.Advance(10 * time.Second)
	probe, err := b.Allow(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, b.Failure(ctx, "c", probe))

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitOpen, st.State)
	assert.Equal(t, c.Now(), st.OpenedAt)

	_, err = b.Allow(ctx, "c")
	require.ErrorIs(t, err, contracts.ErrCircuitOpen)
}

func TestBreaker_ReleasedProbeFreesSlot(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	b := newBreaker(t, kv.NewMemoryStore(), audit.NewMemoryLog(), c)
	fail(t, b, 5)
	c.Advance(10 * time.Second)

	probe, err := b.Allow(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, "c", probe))

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitHalfOpen, st.State)
	assert.Equal(t, 5, st.FailureCount)

	next, err := b.Allow(ctx, "c")
	require.NoError(t, err)
	assert.True(t, next.Probe)
}

func TestBreaker_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := kv.NewMemoryStore()
	log := audit.NewMemoryLog()
	fail(t, newBreaker(t, store, log, c), 5)

	restarted := newBreaker(t, store, log, c)
	_, err := restarted.Allow(ctx, "c")
	require.ErrorIs(t, err, contracts.ErrCircuitOpen)

	// A probe abandoned by a crashed process is reclaimed after a cool-down.
	c.Advance(10 * time.Second)
	_, err = restarted.Allow(ctx, "c")
	require.NoError(t, err)

	again := newBreaker(t, store, log, c)
	_, err = again.Allow(ctx, "c")
	require.ErrorIs(t, err, contracts.ErrCircuitOpen)
	c.Advance(10 * time.Second)
	p, err := again.Allow(ctx, "c")
	require.NoError(t, err)
	assert.True(t, p.Probe)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	b := newBreaker(t, kv.NewMemoryStore(), audit.NewMemoryLog(), c)
	fail(t, b, 4)

	p, err := b.Allow(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, b.Success(ctx, "c", p))
	fail(t, b, 4)

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.CircuitClosed, st.State)
}

func TestNewBreaker_Validates(t *testing.T) {
	_, err := NewBreaker("x", BreakerConfig{}, kv.NewMemoryStore(), nil)
	require.ErrorIs(t, err, contracts.ErrConfiguration)
	_, err = NewBreaker("a/b", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, kv.NewMemoryStore(), nil)
	require.ErrorIs(t, err, kv.ErrInvalidKey)
}
