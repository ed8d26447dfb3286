package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/killswitch"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

type fixture struct {
	store     *kv.MemoryStore
	log       *audit.MemoryLog
	sink      *audit.Emitter
	chain     *Chain
	switches  *killswitch.Switches
	approvals *approval.Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: kv.NewMemoryStore(),
		log:   audit.NewMemoryLog(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.sink = audit.NewEmitter(f.log, "test").WithClock(clock)

	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	f.chain = NewChain(f.store, f.sink, ev).WithClock(clock).WithPolicyHash("sha256:policy")
	f.switches = killswitch.New(f.store, f.sink).WithClock(clock)
	f.approvals = approval.New(f.store, f.sink).WithClock(clock).WithDefaultTTL(time.Hour)

	reg := tenants.NewRegistry(f.store, f.sink).WithClock(clock)
	_, err = reg.Register(ctx, tenants.Tenant{ID: "t1", Name: "Tenant One"}, "setup")
	require.NoError(t, err)
	_, err = reg.Register(ctx, tenants.Tenant{ID: "t2", Name: "Tenant Two"}, "setup")
	require.NoError(t, err)
	_, err = reg.RegisterResource(ctx, "t1", "db-1", "setup")
	require.NoError(t, err)
	_, err = reg.RegisterResource(ctx, "t2", "db-2", "setup")
	require.NoError(t, err)

	dir := authz.NewDirectory(f.store, f.sink).WithClock(clock)
	_, err = dir.Register(ctx, authz.Principal{
		ID:             "alice",
		TenantID:       "t1",
		AllowedActions: []contracts.ActionType{contracts.ActionObserve, contracts.ActionSoftEffect},
	}, "setup")
	require.NoError(t, err)
	return f
}

func (f *fixture) decisions(t *testing.T, correlationID string) []*events.Envelope {
	t.Helper()
	evs, err := f.log.ReadByCorrelation(context.Background(), correlationID)
	require.NoError(t, err)
	return evs
}

func softEffect(corr string) contracts.ExecutionContext {
	return contracts.ExecutionContext{
		ActionType:    contracts.ActionSoftEffect,
		TenantID:      "t1",
		PrincipalID:   "alice",
		CorrelationID: corr,
		IntentHash:    "sha256:intent",
		ResourceIDs:   []string{"db-1"},
	}
}

func (f *fixture) approve(t *testing.T, ec contracts.ExecutionContext) contracts.ExecutionContext {
	t.Helper()
	ctx := context.Background()
	req, _, err := f.approvals.Request(ctx, approval.RequestInput{
		TenantID:      ec.TenantID,
		ActionType:    ec.ActionType,
		Subject:       "test",
		IntentHash:    ec.IntentHash,
		PrincipalID:   ec.PrincipalID,
		CorrelationID: "approvals",
	})
	require.NoError(t, err)
	_, err = f.approvals.Grant(ctx, ec.TenantID, req.ApprovalID, "bob", "approvals")
	require.NoError(t, err)
	ec.ApprovalID = req.ApprovalID
	return ec
}

func TestEvaluate_GlobalKillSwitchDeniesWithOneEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.switches.SetGlobal(ctx, true, "ops", "incident", "ks")
	require.NoError(t, err)

	ec := f.approve(t, softEffect("c-a"))
	res, err := f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionDeny, res.Decision)
	assert.Equal(t, contracts.ReasonGlobalKillSwitchActive, res.ReasonCode)
	assert.Equal(t, GateGlobalKillSwitch, res.GateName)
	require.Len(t, res.Trace, 1)

	evs := f.decisions(t, "c-a")
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeGateDecision, evs[0].EventType)

	var p DecisionPayload
	require.NoError(t, evs[0].Decode(&p))
	assert.Equal(t, contracts.ReasonGlobalKillSwitchActive, p.ReasonCode)
	assert.Equal(t, "sha256:policy", p.PolicyHash)
	assert.Equal(t, []kv.Ref{{Key: killswitch.GlobalKey(), Version: 1}}, p.Refs)
}

func TestEvaluate_TenantKillSwitchIsScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.switches.SetTenant(ctx, "t2", true, "ops", "noisy", "ks")
	require.NoError(t, err)

	other := softEffect("c-t2")
	other.TenantID = "t2"
	res, err := f.chain.Evaluate(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonTenantKillSwitchActive, res.ReasonCode)

	res, err = f.chain.Evaluate(ctx, f.approve(t, softEffect("c-t1")))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, res.Decision)
}

func TestEvaluate_AllowRunsEveryGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.approve(t, softEffect("c-ok"))

	res, err := f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, res.Decision)
	assert.Equal(t, contracts.ReasonOK, res.ReasonCode)
	assert.Equal(t, GateAuthz, res.GateName)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, f.now, res.EvaluatedAt)

	var gates []string
	for _, e := range res.Trace {
		assert.Equal(t, contracts.DecisionAllow, e.Decision)
		gates = append(gates, e.Gate)
	}
	assert.Equal(t, []string{GateGlobalKillSwitch, GateTenantKillSwitch, GateTenant, GateApproval, GateAuthz}, gates)

	require.NotNil(t, res.Event)
	assert.Equal(t, f.now, res.Event.EventTime)
}

func TestEvaluate_MissingTenant(t *testing.T) {
	f := newFixture(t)
	ec := softEffect("c-nt")
	ec.TenantID = ""

	res, err := f.chain.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonTenantContextMissing, res.ReasonCode)
	assert.Equal(t, GateTenant, res.GateName)
	assert.Equal(t, []contracts.TraceEntry{
		{Gate: GateGlobalKillSwitch, Decision: contracts.DecisionAllow, ReasonCode: contracts.ReasonOK},
		{Gate: GateTenantKillSwitch, Decision: contracts.DecisionAllow, ReasonCode: contracts.ReasonOK},
		{Gate: GateTenant, Decision: contracts.DecisionDeny, ReasonCode: contracts.ReasonTenantContextMissing},
	}, res.Trace)
	assert.Len(t, f.decisions(t, "c-nt"), 1)
}

// cancellingReader ends the evaluation's context once key has been read.
type cancellingReader struct {
	kv.Reader
	key    string
	cancel context.CancelFunc
}

func (r cancellingReader) Get(ctx context.Context, key string) (*kv.Entry, error) {
	e, err := r.Reader.Get(ctx, key)
	if key == r.key {
		r.cancel()
	}
	return e, err
}

func TestEvaluate_InterruptedBetweenGates(t *testing.T) {
	f := newFixture(t)
	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := NewChain(cancellingReader{Reader: f.store, key: killswitch.GlobalKey(), cancel: cancel}, f.sink, ev).
		WithClock(func() time.Time { return f.now })
	ec := f.approve(t, softEffect("c-int"))

	res, err := chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, res.Decision)
	assert.Equal(t, contracts.ReasonInternalError, res.ReasonCode)
	assert.Equal(t, GateTenantKillSwitch, res.GateName)
	require.ErrorIs(t, res.Err, ErrInterrupted)
	require.ErrorIs(t, res.Err, context.Canceled)

	require.NotNil(t, res.Event)
	var p DecisionPayload
	require.NoError(t, res.Event.Decode(&p))
	assert.Equal(t, GateTenantKillSwitch, p.CancelledAt)

	recorded, err := contracts.DecodeExecutionContext(p.Context)
	require.NoError(t, err)
	again := RecomputeCancelled(context.Background(), kv.NewPinned(f.store, p.Refs), ev, recorded, res.Event.EventTime, p.CancelledAt)
	assert.Equal(t, res.ReasonCode, again.ReasonCode)
	assert.Equal(t, res.GateName, again.GateName)
	assert.Equal(t, res.Trace, again.Trace)
}

func TestEvaluate_DenyReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(ec *contracts.ExecutionContext)
		reason contracts.ReasonCode
		gate   string
	}{
		{"unknown action", func(ec *contracts.ExecutionContext) { ec.ActionType = "delete_everything" }, contracts.ReasonUnknownActionType, GateActionType},
		{"unknown tenant", func(ec *contracts.ExecutionContext) { ec.TenantID = "ghost" }, contracts.ReasonTenantUnknown, GateTenant},
		{"cross-tenant resource", func(ec *contracts.ExecutionContext) { ec.ResourceIDs = []string{"db-2"} }, contracts.ReasonCrossTenantAccess, GateTenant},
		{"unknown resource", func(ec *contracts.ExecutionContext) { ec.ResourceIDs = []string{"nope"} }, contracts.ReasonResourceUnknown, GateTenant},
		{"no approval", func(ec *contracts.ExecutionContext) { ec.ApprovalID = "" }, contracts.ReasonApprovalRequired, GateApproval},
		{"intent changed", func(ec *contracts.ExecutionContext) { ec.IntentHash = "sha256:other" }, contracts.ReasonIntentHashMismatch, GateApproval},
		{"no principal", func(ec *contracts.ExecutionContext) { ec.PrincipalID = "" }, contracts.ReasonPrincipalMissing, GateAuthz},
		{"unknown principal", func(ec *contracts.ExecutionContext) { ec.PrincipalID = "mallory" }, contracts.ReasonPrincipalUnknown, GateAuthz},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ec := f.approve(t, softEffect("c-"+tc.name))
			tc.mutate(&ec)
			res, err := f.chain.Evaluate(ctx, ec)
			require.NoError(t, err)
			assert.Equal(t, contracts.DecisionDeny, res.Decision)
			assert.Equal(t, tc.reason, res.ReasonCode)
			assert.Equal(t, tc.gate, res.GateName)
			assert.Len(t, f.decisions(t, "c-"+tc.name), 1)
		})
	}
}

func TestEvaluate_AuthzDeniesUnlistedAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := softEffect("c-hard")
	ec.ActionType = contracts.ActionHardEffect
	ec = f.approve(t, ec)

	res, err := f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonAuthzDenied, res.ReasonCode)
	assert.Equal(t, GateAuthz, res.GateName)
}

func TestEvaluate_ObserveSkipsApprovalAndAuthz(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := contracts.ExecutionContext{
		ActionType:    contracts.ActionObserve,
		TenantID:      "t1",
		CorrelationID: "c-obs",
	}

	res, err := f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.False(t, res.ApprovalRequired)
	assert.Len(t, res.Trace, observeDepth)
	assert.Nil(t, res.Event)
	assert.Empty(t, f.decisions(t, "c-obs"))

	_, err = f.switches.SetGlobal(ctx, true, "ops", "incident", "ks")
	require.NoError(t, err)
	res, err = f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonGlobalKillSwitchActive, res.ReasonCode)
	assert.Len(t, f.decisions(t, "c-obs"), 1)
}

type flakyReader struct {
	kv.Reader
	key string
}

func (r flakyReader) Get(ctx context.Context, key string) (*kv.Entry, error) {
	if key == r.key {
		return nil, errors.New("disk on fire")
	}
	return r.Reader.Get(ctx, key)
}

func TestEvaluate_UnreadableInputDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	chain := NewChain(flakyReader{Reader: f.store, key: killswitch.GlobalKey()}, f.sink, ev).
		WithClock(func() time.Time { return f.now })

	res, err := chain.Evaluate(ctx, softEffect("c-io"))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonInputUnavailable, res.ReasonCode)
	require.Error(t, res.Err)

	var p DecisionPayload
	require.NoError(t, res.Event.Decode(&p))
	assert.Equal(t, "disk on fire", p.InputError)
	assert.Equal(t, []kv.Ref{{Key: killswitch.GlobalKey(), Unavailable: true}}, p.Refs)
}

type brokenSink struct{}

func (brokenSink) Emit(context.Context, events.Params) (*events.Envelope, error) {
	return nil, errors.New("log unavailable")
}

func TestEvaluate_UnauditableAllowBecomesDeny(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.approve(t, softEffect("c-sink"))
	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	chain := NewChain(f.store, brokenSink{}, ev).WithClock(func() time.Time { return f.now })

	res, err := chain.Evaluate(ctx, ec)
	require.Error(t, err)
	assert.Equal(t, contracts.DecisionDeny, res.Decision)
	assert.Equal(t, contracts.ReasonInternalError, res.ReasonCode)
}

func TestEvaluate_RequiresCorrelation(t *testing.T) {
	f := newFixture(t)
	res, err := f.chain.Evaluate(context.Background(), softEffect(""))
	require.ErrorIs(t, err, ErrCorrelationRequired)
	assert.Equal(t, contracts.DecisionDeny, res.Decision)
}

func TestEvaluate_UncanonicalContextIsRecorded(t *testing.T) {
	f := newFixture(t)
	ec := softEffect("c-bad")
	ec.AdditionalContext = map[string]any{"callback": func() {}}

	res, err := f.chain.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonInternalError, res.ReasonCode)

	var p DecisionPayload
	require.NoError(t, res.Event.Decode(&p))
	assert.NotEmpty(t, p.ContextError)
	assert.Empty(t, p.Context)
}

func TestCompute_RecomputesFromRecordedRefs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.approve(t, softEffect("c-pin"))

	res, err := f.chain.Evaluate(ctx, ec)
	require.NoError(t, err)
	require.True(t, res.Allowed())

	var p DecisionPayload
	require.NoError(t, res.Event.Decode(&p))
	recorded, err := contracts.DecodeExecutionContext(p.Context)
	require.NoError(t, err)

	// Later state changes are invisible through the pinned reader.
	_, err = f.switches.SetGlobal(ctx, true, "ops", "later", "ks")
	require.NoError(t, err)
	_, err = f.approvals.Revoke(ctx, "t1", ec.ApprovalID, "bob", "oops", "approvals")
	require.NoError(t, err)

	ev, err := authz.NewEvaluator(authz.DefaultCondition)
	require.NoError(t, err)
	again := Compute(ctx, kv.NewPinned(f.store, p.Refs), ev, recorded, res.Event.EventTime)
	assert.Equal(t, res.Decision, again.Decision)
	assert.Equal(t, res.ReasonCode, again.ReasonCode)
	assert.Equal(t, res.Trace, again.Trace)
	require.NoError(t, again.Err)

	// An unrecorded read is a missing durable reference.
	missing := Compute(ctx, kv.NewPinned(f.store, nil), ev, recorded, res.Event.EventTime)
	assert.Equal(t, contracts.ReasonInputUnavailable, missing.ReasonCode)
	assert.ErrorIs(t, missing.Err, contracts.ErrMissingDurableReference)
}
