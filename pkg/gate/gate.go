// Package gate implements the ordered gate chain every execution passes
// through. Compute is a pure function of its reader, evaluator, context and
// time basis, so replay can recompute any recorded verdict.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/killswitch"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

// Gate names, in evaluation order.
const (
	GateActionType       = "action_type"
	GateGlobalKillSwitch = "global_kill_switch"
	GateTenantKillSwitch = "tenant_kill_switch"
	GateTenant           = "tenant_isolation"
	GateApproval         = "approval"
	GateAuthz            = "authz"
)

type step struct {
	name string
	run  func(ctx context.Context, in input) (contracts.ReasonCode, error)
}

type input struct {
	r  kv.Reader
	ev *authz.Evaluator
	ec contracts.ExecutionContext
	at time.Time
}

var steps = []step{
	{GateGlobalKillSwitch, globalKillSwitch},
	{GateTenantKillSwitch, tenantKillSwitch},
	{GateTenant, tenantIsolation},
	{GateApproval, approvalGate},
	{GateAuthz, authzGate},
}

// observeDepth is how many steps an observe action runs.
const observeDepth = 3

// ErrInterrupted marks a DENY produced because the caller's context ended
// between two gates.
var ErrInterrupted = errors.New("gate: evaluation interrupted")

// Compute runs the chain against r at time basis at. The first DENY ends
// evaluation; a context that passes every gate is ALLOWed by the last gate.
func Compute(ctx context.Context, r kv.Reader, ev *authz.Evaluator, ec contracts.ExecutionContext, at time.Time) contracts.Verdict {
	return RecomputeCancelled(ctx, r, ev, ec, at, "")
}

// RecomputeCancelled is Compute for a recorded evaluation that was
// interrupted before gate stopAt ran: that gate denies with internal_error
// instead of running. An empty stopAt is Compute.
func RecomputeCancelled(ctx context.Context, r kv.Reader, ev *authz.Evaluator, ec contracts.ExecutionContext, at time.Time, stopAt string) contracts.Verdict {
	v := contracts.Verdict{
		GateResult: contracts.GateResult{
			Decision:    contracts.DecisionDeny,
			ReasonCode:  contracts.ReasonInternalError,
			EvaluatedAt: at.UTC(),
		},
		ApprovalRequired: ec.ActionType.RequiresApproval(),
		Trace:            []contracts.TraceEntry{},
	}

	if !ec.ActionType.Known() {
		return deny(v, GateActionType, contracts.ReasonUnknownActionType, nil)
	}

	in := input{r: r, ev: ev, ec: ec, at: at.UTC()}
	depth := len(steps)
	if ec.ActionType == contracts.ActionObserve {
		depth = observeDepth
	}

	for _, s := range steps[:depth] {
		if s.name == stopAt {
			return deny(v, s.name, contracts.ReasonInternalError, fmt.Errorf("%w before %s: %w", ErrInterrupted, s.name, context.Canceled))
		}
		if err := ctx.Err(); err != nil {
			return deny(v, s.name, contracts.ReasonInternalError, fmt.Errorf("%w before %s: %w", ErrInterrupted, s.name, err))
		}
		reason, err := s.run(ctx, in)
		if reason == "" {
			reason = contracts.ReasonInternalError
		}
		if reason != contracts.ReasonOK {
			return deny(v, s.name, reason, err)
		}
		v.Trace = append(v.Trace, contracts.TraceEntry{Gate: s.name, Decision: contracts.DecisionAllow, ReasonCode: contracts.ReasonOK})
		v.GateName = s.name
	}

	v.Decision = contracts.DecisionAllow
	v.ReasonCode = contracts.ReasonOK
	return v
}

func deny(v contracts.Verdict, gate string, reason contracts.ReasonCode, err error) contracts.Verdict {
	v.Decision = contracts.DecisionDeny
	v.ReasonCode = reason
	v.GateName = gate
	v.Err = err
	v.Trace = append(v.Trace, contracts.TraceEntry{Gate: gate, Decision: contracts.DecisionDeny, ReasonCode: reason})
	return v
}

func globalKillSwitch(ctx context.Context, in input) (contracts.ReasonCode, error) {
	st, err := killswitch.Global(ctx, in.r)
	if err != nil {
		return contracts.ReasonInputUnavailable, err
	}
	if st.Active {
		return contracts.ReasonGlobalKillSwitchActive, nil
	}
	return contracts.ReasonOK, nil
}

// tenantKillSwitch passes a context without a tenant; tenant isolation
// rejects it next.
func tenantKillSwitch(ctx context.Context, in input) (contracts.ReasonCode, error) {
	if in.ec.TenantID == "" {
		return contracts.ReasonOK, nil
	}
	st, err := killswitch.Tenant(ctx, in.r, in.ec.TenantID)
	switch {
	case errors.Is(err, kv.ErrInvalidKey):
		return contracts.ReasonTenantUnknown, nil
	case err != nil:
		return contracts.ReasonInputUnavailable, err
	case st.Active:
		return contracts.ReasonTenantKillSwitchActive, nil
	}
	return contracts.ReasonOK, nil
}

func tenantIsolation(ctx context.Context, in input) (contracts.ReasonCode, error) {
	return tenants.Check(ctx, in.r, in.ec)
}

func approvalGate(ctx context.Context, in input) (contracts.ReasonCode, error) {
	return approval.Check(ctx, in.r, in.ec, in.at)
}

func authzGate(ctx context.Context, in input) (contracts.ReasonCode, error) {
	return authz.Check(ctx, in.r, in.ev, in.ec)
}
