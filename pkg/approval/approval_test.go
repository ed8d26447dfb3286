package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

type fixture struct {
	svc   *Service
	store *kv.MemoryStore
	log   *audit.MemoryLog
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: kv.NewMemoryStore(),
		log:   audit.NewMemoryLog(),
		now:   time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.svc = New(f.store, audit.NewEmitter(f.log, "test").WithClock(clock)).WithClock(clock).WithDefaultTTL(time.Hour)
	return f
}

func (f *fixture) request(t *testing.T, intent string) *contracts.ApprovalRequest {
	t.Helper()
	req, dec, err := f.svc.Request(context.Background(), RequestInput{
		TenantID:      "t1",
		ActionType:    contracts.ActionHardEffect,
		Subject:       "rotate-keys",
		IntentHash:    intent,
		PrincipalID:   "requester",
		CorrelationID: "c-appr",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, dec.Status)
	return req
}

func ec(approvalID, intent string) contracts.ExecutionContext {
	return contracts.ExecutionContext{
		ActionType: contracts.ActionHardEffect,
		TenantID:   "t1",
		ApprovalID: approvalID,
		IntentHash: intent,
	}
}

func TestGrantThenCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "abc123")

	code, err := Check(ctx, f.store, ec(req.ApprovalID, "abc123"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalPending, code)

	_, err = f.svc.Grant(ctx, "t1", req.ApprovalID, "approver", "c-appr")
	require.NoError(t, err)

	code, err = Check(ctx, f.store, ec(req.ApprovalID, "abc123"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonOK, code)

	code, err = Check(ctx, f.store, ec(req.ApprovalID, "zzz999"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonIntentHashMismatch, code)

	wrongAction := ec(req.ApprovalID, "abc123")
	wrongAction.ActionType = contracts.ActionIrreversible
	code, err = Check(ctx, f.store, wrongAction, f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalActionMismatch, code)

	// Expiry is judged against the supplied time basis, not the clock.
	code, err = Check(ctx, f.store, ec(req.ApprovalID, "abc123"), req.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalExpired, code)
}

func TestCheck_RequirementsAndLookups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	code, err := Check(ctx, f.store, ec("", "abc"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalRequired, code)

	code, err = Check(ctx, f.store, ec("missing", "abc"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalNotFound, code)

	observe := contracts.ExecutionContext{ActionType: contracts.ActionObserve, TenantID: "t1"}
	code, err = Check(ctx, f.store, observe, f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonOK, code)

	// An approval from another tenant is invisible.
	req := f.request(t, "abc")
	_, err = f.svc.Grant(ctx, "t1", req.ApprovalID, "approver", "c")
	require.NoError(t, err)
	other := ec(req.ApprovalID, "abc")
	other.TenantID = "t2"
	code, err = Check(ctx, f.store, other, f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalNotFound, code)
}

func TestCheck_StructuredIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := json.RawMessage(`{"op":"transfer","amount":10}`)
	h, err := IntentHash(intent)
	require.NoError(t, err)

	req := f.request(t, h)
	_, err = f.svc.Grant(ctx, "t1", req.ApprovalID, "approver", "c")
	require.NoError(t, err)

	c := ec(req.ApprovalID, h)
	c.Intent = json.RawMessage(`{"amount":10.0,"op":"transfer"}`)
	code, err := Check(ctx, f.store, c, f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonOK, code)

	c.Intent = json.RawMessage(`{"amount":11,"op":"transfer"}`)
	code, err = Check(ctx, f.store, c, f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonIntentHashMismatch, code)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	denied := f.request(t, "a")
	_, err := f.svc.Deny(ctx, "t1", denied.ApprovalID, "approver", "no", "c")
	require.NoError(t, err)
	_, err = f.svc.Grant(ctx, "t1", denied.ApprovalID, "approver", "c")
	require.ErrorIs(t, err, ErrInvalidTransition)
	code, err := Check(ctx, f.store, ec(denied.ApprovalID, "a"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalDenied, code)

	revoked := f.request(t, "b")
	_, err = f.svc.Grant(ctx, "t1", revoked.ApprovalID, "approver", "c")
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, "t1", revoked.ApprovalID, "approver", "changed mind", "c")
	require.NoError(t, err)
	code, err = Check(ctx, f.store, ec(revoked.ApprovalID, "b"), f.now)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalRevoked, code)
	_, err = f.svc.Revoke(ctx, "t1", revoked.ApprovalID, "approver", "again", "c")
	require.ErrorIs(t, err, ErrInvalidTransition)

	history, err := f.svc.History(ctx, "t1", revoked.ApprovalID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, contracts.ApprovalPending, history[0].Status)
	assert.Equal(t, contracts.ApprovalApproved, history[1].Status)
	assert.Equal(t, contracts.ApprovalRevoked, history[2].Status)

	self := f.request(t, "c")
	_, err = f.svc.Grant(ctx, "t1", self.ApprovalID, "requester", "c")
	require.ErrorIs(t, err, ErrSelfApproval)
}

func TestGrantAfterExpiryRecordsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "x")

	f.now = req.ExpiresAt.Add(time.Second)
	dec, err := f.svc.Grant(ctx, "t1", req.ApprovalID, "approver", "c")
	require.ErrorIs(t, err, ErrExpired)
	require.NotNil(t, dec)
	assert.Equal(t, contracts.ApprovalExpired, dec.Status)

	code, err := Check(ctx, f.store, ec(req.ApprovalID, "x"), req.RequestedAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonApprovalExpired, code)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := f.request(t, "s")
	f.now = f.now.Add(30 * time.Minute)
	fresh := f.request(t, "f")

	f.now = stale.ExpiresAt
	expired, err := f.svc.ExpireDue(ctx, "c-sweep")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ApprovalID, expired[0].ApprovalID)

	_, dec, err := f.svc.Get(ctx, "t1", fresh.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, dec.Status)

	evs, err := f.log.ReadByCorrelation(ctx, "c-sweep")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeApprovalDecided, evs[0].EventType)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Request(context.Background(), RequestInput{ActionType: contracts.ActionHardEffect, IntentHash: "x"})
	require.Error(t, err)
	_, _, err = f.svc.Request(context.Background(), RequestInput{TenantID: "t1", ActionType: contracts.ActionObserve, IntentHash: "x"})
	require.Error(t, err)
	_, _, err = f.svc.Request(context.Background(), RequestInput{TenantID: "t1", ActionType: contracts.ActionHardEffect})
	require.Error(t, err)
}

type failingSink struct{}

func (failingSink) Emit(context.Context, events.Params) (*events.Envelope, error) {
	return nil, errors.New("log unavailable")
}

func TestRequest_UnauditedRequestIsNotStored(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	svc := New(store, failingSink{}).WithDefaultTTL(time.Hour)

	_, _, err := svc.Request(ctx, RequestInput{
		TenantID:      "t1",
		ActionType:    contracts.ActionHardEffect,
		Subject:       "rotate-keys",
		IntentHash:    "abc123",
		PrincipalID:   "requester",
		CorrelationID: "c-noaudit",
	})
	require.Error(t, err)

	keys, err := store.List(ctx, "tenant/t1/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
