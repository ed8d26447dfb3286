package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/gate"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/killswitch"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/reliability"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

type fixture struct {
	store     *kv.MemoryStore
	log       *audit.MemoryLog
	sink      *audit.Emitter
	chain     *gate.Chain
	guard     *reliability.Guard
	approvals *approval.Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: kv.NewMemoryStore(),
		log:   audit.NewMemoryLog(),
		now:   time.Date(2026, 8, 12, 8, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.sink = audit.NewEmitter(f.log, "executor-test").WithClock(clock)

	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	f.chain = gate.NewChain(f.store, f.sink, ev).WithClock(clock)

	g, err := reliability.NewGuard(reliability.GuardConfig{
		Timeouts:    reliability.Timeouts{reliability.DefaultCategory: time.Second},
		Retry:       reliability.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
		Breaker:     reliability.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute},
		GlobalLimit: reliability.Limit{Rate: 100, Burst: 100},
		TenantLimit: reliability.Limit{Rate: 100, Burst: 100},
	}, f.store, reliability.NewMemoryLimiter().WithClock(clock), f.sink)
	require.NoError(t, err)
	f.guard = g.WithClock(clock).WithSleeper(func(context.Context, time.Duration) error { return nil })

	f.approvals = approval.New(f.store, f.sink).WithClock(clock)
	_, err = tenants.NewRegistry(f.store, f.sink).WithClock(clock).Register(ctx, tenants.Tenant{ID: "t1", Name: "One"}, "setup")
	require.NoError(t, err)
	_, err = authz.NewDirectory(f.store, f.sink).WithClock(clock).Register(ctx, authz.Principal{
		ID:             "svc",
		TenantID:       "t1",
		AllowedActions: []contracts.ActionType{contracts.ActionSoftEffect},
	}, "setup")
	require.NoError(t, err)
	return f
}

func (f *fixture) approvedContext(t *testing.T, corr string) contracts.ExecutionContext {
	t.Helper()
	ctx := context.Background()
	req, _, err := f.approvals.Request(ctx, approval.RequestInput{
		TenantID:      "t1",
		ActionType:    contracts.ActionSoftEffect,
		Subject:       "restart",
		IntentHash:    "sha256:restart",
		PrincipalID:   "svc",
		CorrelationID: corr,
	})
	require.NoError(t, err)
	_, err = f.approvals.Grant(ctx, "t1", req.ApprovalID, "oncall", corr)
	require.NoError(t, err)
	return contracts.ExecutionContext{
		ActionType:    contracts.ActionSoftEffect,
		TenantID:      "t1",
		PrincipalID:   "svc",
		CorrelationID: corr,
		ApprovalID:    req.ApprovalID,
		IntentHash:    "sha256:restart",
	}
}

func (f *fixture) types(t *testing.T, corr string) []events.Type {
	t.Helper()
	evs, err := f.log.ReadByCorrelation(context.Background(), corr)
	require.NoError(t, err)
	var out []events.Type
	for _, e := range events.Order(evs) {
		out = append(out, e.EventType)
	}
	return out
}

func TestExecute_AllowedEffectRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var runs int32
	eff := Func(func(_ context.Context, req Request) (any, error) {
		atomic.AddInt32(&runs, 1)
		assert.Equal(t, string(KindReal), req.Context.EffectorKind)
		return map[string]any{"restarted": req.Params["service"]}, nil
	})
	x := New(f.chain, f.guard, f.sink, eff)
	ec := f.approvedContext(t, "c-run")
	op := Operation{Name: "restart", Params: map[string]any{"service": "api"}}

	rcpt, err := x.Execute(ctx, ec, op)
	require.NoError(t, err)
	assert.True(t, rcpt.Verdict.Allowed())
	assert.NotEmpty(t, rcpt.DecisionEventID)
	assert.NotEmpty(t, rcpt.EffectEventID)
	assert.JSONEq(t, `{"restarted":"api"}`, string(rcpt.Result))
	assert.Equal(t, KindReal, rcpt.EffectorKind)

	again, err := x.Execute(ctx, ec, op)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, rcpt.Result, again.Result)
	assert.Empty(t, again.EffectEventID)
	assert.Equal(t, int32(1), runs)

	assert.Equal(t, []events.Type{
		events.TypeApprovalRequested,
		events.TypeApprovalDecided,
		events.TypeGateDecision,
		events.TypeGateDecision,
		events.TypeIdempotencyHit,
		events.TypeAttempt,
		events.TypeEffectExecuted,
	}, f.types(t, "c-run"))
}

func TestExecute_DenyNeverRunsEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sim := NewSimulated()
	x := New(f.chain, f.guard, f.sink, sim)

	_, err := killswitch.New(f.store, f.sink).SetGlobal(ctx, true, "ops", "freeze", "ks")
	require.NoError(t, err)

	rcpt, err := x.Execute(ctx, f.approvedContext(t, "c-deny"), Operation{Name: "restart"})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, rcpt.Verdict.Decision)
	assert.Equal(t, contracts.ReasonGlobalKillSwitchActive, rcpt.Verdict.ReasonCode)
	assert.Empty(t, sim.Requests())
	assert.Nil(t, rcpt.Result)
}

func TestExecute_SimulatedEffector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sim := NewSimulated()
	x := New(f.chain, f.guard, f.sink, sim)

	rcpt, err := x.Execute(ctx, f.approvedContext(t, "c-sim"), Operation{Name: "restart", Params: map[string]any{"service": "api"}})
	require.NoError(t, err)
	require.Len(t, sim.Requests(), 1)
	assert.Equal(t, KindSimulated, rcpt.EffectorKind)
	assert.Contains(t, string(rcpt.Result), `"simulated":true`)

	evs, err := f.log.ReadByCorrelation(ctx, "c-sim")
	require.NoError(t, err)
	var executed Executed
	var decision gate.DecisionPayload
	for _, e := range evs {
		switch e.EventType {
		case events.TypeEffectExecuted:
			require.NoError(t, e.Decode(&executed))
		case events.TypeGateDecision:
			require.NoError(t, e.Decode(&decision))
		}
	}
	assert.Equal(t, KindSimulated, executed.EffectorKind)
	assert.Equal(t, "simulated", decision.EffectorKind)
	assert.Equal(t, rcpt.DecisionEventID, executed.DecisionEventID)
}

func TestExecute_FailedEffectIsNotRecordedAsExecuted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := New(f.chain, f.guard, f.sink, Func(func(context.Context, Request) (any, error) {
		return nil, errors.New("connection refused")
	}))

	_, err := x.Execute(ctx, f.approvedContext(t, "c-fail"), Operation{Name: "restart"})
	require.ErrorIs(t, err, contracts.ErrRetryExhausted)
	assert.NotContains(t, f.types(t, "c-fail"), events.TypeEffectExecuted)
	assert.Contains(t, f.types(t, "c-fail"), events.TypeRetryExhausted)
}
