// Package executor runs side effects for actions the gate chain allows,
// through the reliability substrate, and records what ran.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/gate"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/reliability"
)

// Operation names the effect to run and how the substrate should treat it.
type Operation struct {
	Name       string
	Dependency string
	Category   string
	Params     map[string]any
}

// Receipt is the outcome of Execute. Result is set only when the effect ran
// or a cached result was returned.
type Receipt struct {
	Verdict         contracts.Verdict
	DecisionEventID string
	EffectorKind    Kind
	Result          json.RawMessage
	IdempotencyKey  string
	Attempts        int
	Cached          bool
	EffectEventID   string
}

// Executed is the EFFECT_EXECUTED payload.
type Executed struct {
	Operation       string `json:"operation"`
	EffectorKind    Kind   `json:"effector_kind"`
	DecisionEventID string `json:"decision_event_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	ResultHash      string `json:"result_hash"`
	Attempts        int    `json:"attempts"`
}

// Executor gates, guards and records effects.
type Executor struct {
	chain    *gate.Chain
	guard    *reliability.Guard
	sink     audit.Sink
	effector Effector
	logger   *slog.Logger
}

// New creates an executor.
func New(chain *gate.Chain, guard *reliability.Guard, sink audit.Sink, effector Effector) *Executor {
	return &Executor{
		chain:    chain,
		guard:    guard,
		sink:     sink,
		effector: effector,
		logger:   slog.Default().With("component", "executor"),
	}
}

// WithLogger overrides the logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger.With("component", "executor")
	return e
}

// Effector returns the configured effector.
func (e *Executor) Effector() Effector { return e.effector }

// Execute evaluates ec and, on ALLOW, runs op. A DENY is reported in the
// receipt with a nil error; errors are reserved for failures to decide,
// audit or complete the effect.
func (e *Executor) Execute(ctx context.Context, ec contracts.ExecutionContext, op Operation) (*Receipt, error) {
	if op.Name == "" {
		return nil, fmt.Errorf("executor: operation name is required")
	}
	kind := e.effector.Kind()
	ec.EffectorKind = string(kind)

	res, err := e.chain.Evaluate(ctx, ec)
	rcpt := &Receipt{EffectorKind: kind}
	if res != nil {
		rcpt.Verdict = res.Verdict
		if res.Event != nil {
			rcpt.DecisionEventID = res.Event.EventID
		}
	}
	if err != nil {
		return rcpt, err
	}
	if !res.Allowed() {
		return rcpt, nil
	}

	ec = res.Context
	out, err := e.guard.Do(ctx, reliability.Call{
		Operation:     op.Name,
		Dependency:    op.Dependency,
		Category:      op.Category,
		TenantID:      ec.TenantID,
		CorrelationID: ec.CorrelationID,
		Params:        op.Params,
	}, func(ctx context.Context) (any, error) {
		return e.effector.Execute(ctx, Request{Operation: op.Name, Params: op.Params, Context: ec})
	})
	if out != nil {
		rcpt.Result = out.Result
		rcpt.IdempotencyKey = out.IdempotencyKey
		rcpt.Attempts = out.Attempts
		rcpt.Cached = out.Cached
	}
	if err != nil {
		e.logger.WarnContext(ctx, "effect failed", "operation", op.Name, "correlation_id", ec.CorrelationID, "error", err)
		return rcpt, err
	}
	if out.Cached {
		return rcpt, nil
	}

	resultHash := canonicalize.HashBytes(out.Result)
	env, err := e.sink.Emit(context.WithoutCancel(ctx), events.Params{
		Type:          events.TypeEffectExecuted,
		TenantID:      ec.TenantID,
		CorrelationID: ec.CorrelationID,
		Payload: Executed{
			Operation:       op.Name,
			EffectorKind:    kind,
			DecisionEventID: rcpt.DecisionEventID,
			IdempotencyKey:  out.IdempotencyKey,
			ResultHash:      resultHash,
			Attempts:        out.Attempts,
		},
	})
	if err != nil {
		return rcpt, fmt.Errorf("executor: record effect %s: %w", op.Name, err)
	}
	rcpt.EffectEventID = env.EventID
	return rcpt, nil
}
