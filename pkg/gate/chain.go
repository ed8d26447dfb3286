package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

// ErrCorrelationRequired is returned when a context cannot be audited.
var ErrCorrelationRequired = errors.New("gate: correlation id required")

// DecisionPayload is the GATE_DECISION event body. It carries everything
// replay needs to recompute the verdict.
type DecisionPayload struct {
	Context          json.RawMessage        `json:"context,omitempty"`
	ContextError     string                 `json:"context_error,omitempty"`
	Decision         contracts.Decision     `json:"decision"`
	ReasonCode       contracts.ReasonCode   `json:"reason_code"`
	GateName         string                 `json:"gate_name"`
	ApprovalRequired bool                   `json:"approval_required"`
	Trace            []contracts.TraceEntry `json:"trace"`
	Refs             []kv.Ref               `json:"refs"`
	PolicyHash       string                 `json:"policy_hash"`
	EffectorKind     string                 `json:"effector_kind,omitempty"`
	InputError       string                 `json:"input_error,omitempty"`
	CancelledAt      string                 `json:"cancelled_at,omitempty"`
}

// Result is a live verdict and the audit event that recorded it. Event is
// nil for an observe ALLOW, which is not audited.
type Result struct {
	contracts.Verdict
	Context contracts.ExecutionContext
	Event   *events.Envelope
}

// Chain evaluates contexts against live state and records every decision
// that is not an observe ALLOW.
type Chain struct {
	store      kv.Reader
	sink       audit.Sink
	authz      *authz.Evaluator
	policyHash string
	clock      func() time.Time
	logger     *slog.Logger
	telemetry  *observability.Provider
}

// NewChain creates a chain reading store and auditing to sink.
func NewChain(store kv.Reader, sink audit.Sink, ev *authz.Evaluator) *Chain {
	return &Chain{
		store:  store,
		sink:   sink,
		authz:  ev,
		clock:  time.Now,
		logger: slog.Default().With("component", "gate"),
	}
}

// WithClock overrides the evaluation clock.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithPolicyHash sets the policy hash recorded with each decision.
func (c *Chain) WithPolicyHash(h string) *Chain {
	c.policyHash = h
	return c
}

// WithLogger overrides the logger.
func (c *Chain) WithLogger(logger *slog.Logger) *Chain {
	c.logger = logger.With("component", "gate")
	return c
}

// WithTelemetry records spans and decision counts to p.
func (c *Chain) WithTelemetry(p *observability.Provider) *Chain {
	c.telemetry = p
	return c
}

// PolicyHash returns the policy hash recorded with decisions.
func (c *Chain) PolicyHash() string { return c.policyHash }

// Evaluate runs the chain for ec at the current clock time.
//
// A returned error means the decision could not be audited; the verdict is
// then a DENY and the action must not run.
func (c *Chain) Evaluate(ctx context.Context, ec contracts.ExecutionContext) (*Result, error) {
	at := c.clock().UTC()
	ctx, span := c.telemetry.StartSpan(ctx, "gate.evaluate",
		observability.AttrTenantID.String(ec.TenantID),
		observability.AttrCorrelationID.String(ec.CorrelationID),
		observability.AttrActionType.String(string(ec.ActionType)),
	)

	res, err := c.evaluate(ctx, ec, at)
	observability.EndSpan(span, err)
	return res, err
}

func (c *Chain) evaluate(ctx context.Context, ec contracts.ExecutionContext, at time.Time) (*Result, error) {
	if ec.CorrelationID == "" {
		v := deny(contracts.Verdict{
			GateResult: contracts.GateResult{EvaluatedAt: at},
			Trace:      []contracts.TraceEntry{},
		}, GateActionType, contracts.ReasonInternalError, ErrCorrelationRequired)
		return &Result{Verdict: v, Context: ec}, ErrCorrelationRequired
	}

	payload := DecisionPayload{PolicyHash: c.policyHash, EffectorKind: ec.EffectorKind, Refs: []kv.Ref{}}
	var verdict contracts.Verdict

	norm, err := ec.Normalize()
	if err != nil {
		// The context cannot be canonicalized, so it cannot be recorded or
		// replayed as given. Record the failure instead.
		verdict = deny(contracts.Verdict{
			GateResult:       contracts.GateResult{EvaluatedAt: at},
			ApprovalRequired: ec.ActionType.RequiresApproval(),
			Trace:            []contracts.TraceEntry{},
		}, GateActionType, contracts.ReasonInternalError, err)
		payload.ContextError = err.Error()
		norm = ec
	} else {
		raw, err := norm.Canonical()
		if err != nil {
			return nil, err
		}
		payload.Context = raw

		rec := kv.NewRecorder(c.store)
		verdict = Compute(ctx, rec, c.authz, norm, at)
		payload.Refs = rec.Refs()
	}

	payload.Decision = verdict.Decision
	payload.ReasonCode = verdict.ReasonCode
	payload.GateName = verdict.GateName
	payload.ApprovalRequired = verdict.ApprovalRequired
	payload.Trace = verdict.Trace
	if verdict.Err != nil {
		payload.InputError = verdict.Err.Error()
	}
	emitCtx := ctx
	if errors.Is(verdict.Err, ErrInterrupted) {
		payload.CancelledAt = verdict.GateName
		emitCtx = context.WithoutCancel(ctx)
	}

	c.telemetry.RecordDecision(ctx, norm.TenantID, string(verdict.Decision), string(verdict.ReasonCode))
	res := &Result{Verdict: verdict, Context: norm}

	if norm.ActionType == contracts.ActionObserve && verdict.Allowed() {
		return res, nil
	}

	env, err := c.sink.Emit(emitCtx, events.Params{
		Type:          events.TypeGateDecision,
		EventTime:     at,
		TenantID:      norm.TenantID,
		CorrelationID: norm.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "gate decision not recorded",
			"correlation_id", norm.CorrelationID,
			"decision", verdict.Decision,
			"error", err,
		)
		res.Decision = contracts.DecisionDeny
		if verdict.Allowed() {
			res.ReasonCode = contracts.ReasonInternalError
		}
		res.Err = err
		return res, fmt.Errorf("gate: record decision: %w", err)
	}
	res.Event = env

	if !verdict.Allowed() {
		c.logger.InfoContext(ctx, "execution denied",
			"tenant_id", norm.TenantID,
			"correlation_id", norm.CorrelationID,
			"gate", verdict.GateName,
			"reason_code", verdict.ReasonCode,
		)
	}
	return res, nil
}
