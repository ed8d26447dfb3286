// Package replay reconstructs recorded gate decisions from the audit trail
// and the versioned store, and reports any divergence.
//
// Replay reads nothing live: each decision is recomputed against the exact
// store versions it recorded, at the decision's own event_time. A mismatch,
// a tampered payload or a missing reference ends the replay with a failure.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/gate"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

var (
	// ErrNoEvents is returned for a correlation id with no recorded events.
	ErrNoEvents = errors.New("replay: no events for correlation id")
	// ErrDiverged marks a recomputed verdict that differs from the record.
	ErrDiverged = errors.New("replay: verdict diverged")
)

// DivergenceError names the first field that differed.
type DivergenceError struct {
	EventID  string
	Field    string
	Recorded string
	Replayed string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay diverged at event %s: %s recorded %q, replayed %q", e.EventID, e.Field, e.Recorded, e.Replayed)
}

func (e *DivergenceError) Unwrap() error { return ErrDiverged }

// Engine replays correlation ids.
type Engine struct {
	log        audit.Reader
	store      kv.VersionReader
	authz      *authz.Evaluator
	policyHash string
	logger     *slog.Logger
	telemetry  *observability.Provider
}

// NewEngine creates an engine. policyHash must be the hash of the policy
// the recorded decisions are expected to have been made under.
func NewEngine(log audit.Reader, store kv.VersionReader, ev *authz.Evaluator, policyHash string) *Engine {
	return &Engine{
		log:        log,
		store:      store,
		authz:      ev,
		policyHash: policyHash,
		logger:     slog.Default().With("component", "replay"),
	}
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "replay")
	return e
}

// WithTelemetry records a span per replay.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// Replay reads every event recorded for correlationID and replays it.
//
// A replay failure returns the report built so far together with an error
// that is one of *contracts.TamperError, *contracts.MissingReferenceError or
// *DivergenceError. Errors reading the log are returned with a nil report.
func (e *Engine) Replay(ctx context.Context, correlationID string) (*Report, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "replay.run",
		observability.AttrCorrelationID.String(correlationID),
	)
	rep, err := e.replay(ctx, correlationID)
	observability.EndSpan(span, err)
	if err != nil && rep != nil {
		e.logger.WarnContext(ctx, "replay failed", "correlation_id", correlationID, "error", err)
	}
	return rep, err
}

func (e *Engine) replay(ctx context.Context, correlationID string) (*Report, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("replay: correlation id is required")
	}
	raw, err := e.log.ReadByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("replay: read %s: %w", correlationID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEvents, correlationID)
	}
	if err := audit.VerifyCorrelation(ctx, e.log, correlationID, raw); err != nil {
		var te *contracts.TamperError
		if !errors.As(err, &te) {
			return nil, fmt.Errorf("replay: verify chain for %s: %w", correlationID, err)
		}
		return e.newReport(correlationID, len(raw)).fail(te.EventID, err), err
	}
	return e.Events(ctx, correlationID, raw)
}

func (e *Engine) newReport(correlationID string, delivered int) *Report {
	return &Report{
		Header: Header{
			Kind:             KindHeader,
			CorrelationID:    correlationID,
			PolicyHash:       e.policyHash,
			Canonicalization: canonicalize.Version,
			TimeBasis:        TimeBasisEventTime,
			Delivered:        delivered,
		},
		Events: []EventLine{},
	}
}

// Events replays an already-read event slice. Duplicate deliveries are
// dropped and the rest put in canonical order first. The slice is not
// checked against the audit chain; Replay does that before calling Events.
func (e *Engine) Events(ctx context.Context, correlationID string, raw []*events.Envelope) (*Report, error) {
	rep := e.newReport(correlationID, len(raw))

	deduped, err := events.Dedupe(raw)
	if err != nil {
		var te *contracts.TamperError
		errors.As(err, &te)
		return rep.fail(te.EventID, err), err
	}
	ordered := events.Order(deduped)
	rep.Header.Events = len(ordered)
	if len(ordered) > 0 {
		rep.Header.FirstEventTime = ordered[0].EventTime.UTC()
		rep.Header.LastEventTime = ordered[len(ordered)-1].EventTime.UTC()
	}

	for i, env := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := EventLine{
			Kind:        KindEvent,
			Index:       i,
			EventID:     env.EventID,
			EventType:   env.EventType,
			EventTime:   env.EventTime.UTC(),
			PayloadHash: env.PayloadHash,
			Status:      StatusVerified,
		}
		if env.CorrelationID != correlationID {
			err := &DivergenceError{EventID: env.EventID, Field: "correlation_id", Recorded: env.CorrelationID, Replayed: correlationID}
			return rep.append(line).fail(env.EventID, err), err
		}
		if err := events.Verify(env); err != nil {
			return rep.append(line).fail(env.EventID, err), err
		}
		if env.EventType.DecisionBearing() {
			rec, err := e.recompute(ctx, env)
			line.Recomputed = rec
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return rep.append(line).fail(env.EventID, err), err
			}
			line.Status = StatusMatched
			rep.Summary.Decisions++
		}
		rep.append(line)
	}

	rep.Summary = Summary{
		Kind:          KindSummary,
		CorrelationID: correlationID,
		Status:        StatusPass,
		Events:        len(rep.Events),
		Decisions:     rep.Summary.Decisions,
	}
	return rep, nil
}

// recompute rebuilds the verdict of one GATE_DECISION and compares it with
// what was recorded.
func (e *Engine) recompute(ctx context.Context, env *events.Envelope) (*Recomputation, error) {
	var p gate.DecisionPayload
	if err := env.Decode(&p); err != nil {
		return nil, &contracts.TamperError{EventID: env.EventID, Field: "payload", Expected: "gate decision", Actual: err.Error()}
	}
	if p.PolicyHash != e.policyHash {
		return nil, &DivergenceError{EventID: env.EventID, Field: "policy_hash", Recorded: p.PolicyHash, Replayed: e.policyHash}
	}

	var v contracts.Verdict
	if p.ContextError != "" {
		// The live context could not be canonicalized, so the only verdict
		// it can have produced is the internal error DENY.
		v = contracts.Verdict{
			GateResult: contracts.GateResult{
				Decision:   contracts.DecisionDeny,
				ReasonCode: contracts.ReasonInternalError,
				GateName:   gate.GateActionType,
			},
			ApprovalRequired: p.ApprovalRequired,
			Trace: []contracts.TraceEntry{
				{Gate: gate.GateActionType, Decision: contracts.DecisionDeny, ReasonCode: contracts.ReasonInternalError},
			},
		}
	} else {
		ec, err := e.context(env, p)
		if err != nil {
			return nil, err
		}
		v = gate.RecomputeCancelled(ctx, kv.NewPinned(e.store, p.Refs), e.authz, ec, env.EventTime, p.CancelledAt)
		var (
			missing  *contracts.MissingReferenceError
			tampered *contracts.TamperError
		)
		switch {
		case v.Err == nil:
		case errors.As(v.Err, &tampered):
			return nil, &contracts.TamperError{EventID: env.EventID, Field: tampered.Field, Expected: tampered.Expected, Actual: tampered.Actual}
		case errors.As(v.Err, &missing):
			return nil, missing
		case errors.Is(v.Err, contracts.ErrMissingDurableReference):
			return nil, v.Err
		}
	}

	rec := &Recomputation{
		Decision:         v.Decision,
		ReasonCode:       v.ReasonCode,
		GateName:         v.GateName,
		ApprovalRequired: v.ApprovalRequired,
		Trace:            v.Trace,
	}
	return rec, compare(env.EventID, p, v)
}

// context decodes the recorded context and checks it is the canonical
// encoding of itself and belongs to the envelope it arrived in.
func (e *Engine) context(env *events.Envelope, p gate.DecisionPayload) (contracts.ExecutionContext, error) {
	if len(p.Context) == 0 {
		return contracts.ExecutionContext{}, &contracts.TamperError{EventID: env.EventID, Field: "context", Expected: "recorded context", Actual: "absent"}
	}
	canonical, err := canonicalize.Transform(p.Context)
	if err != nil {
		return contracts.ExecutionContext{}, &contracts.TamperError{EventID: env.EventID, Field: "context", Expected: "canonical JSON", Actual: err.Error()}
	}
	if recorded, actual := canonicalize.HashBytes(p.Context), canonicalize.HashBytes(canonical); recorded != actual {
		return contracts.ExecutionContext{}, &contracts.TamperError{EventID: env.EventID, Field: "context", Expected: recorded, Actual: actual}
	}
	ec, err := contracts.DecodeExecutionContext(p.Context)
	if err != nil {
		return contracts.ExecutionContext{}, &contracts.TamperError{EventID: env.EventID, Field: "context", Expected: "execution context", Actual: err.Error()}
	}
	if ec.CorrelationID != env.CorrelationID {
		return ec, &DivergenceError{EventID: env.EventID, Field: "context.correlation_id", Recorded: env.CorrelationID, Replayed: ec.CorrelationID}
	}
	if ec.TenantID != env.TenantID {
		return ec, &DivergenceError{EventID: env.EventID, Field: "context.tenant_id", Recorded: env.TenantID, Replayed: ec.TenantID}
	}
	if ec.EffectorKind != p.EffectorKind {
		return ec, &DivergenceError{EventID: env.EventID, Field: "effector_kind", Recorded: p.EffectorKind, Replayed: ec.EffectorKind}
	}
	return ec, nil
}

func compare(eventID string, p gate.DecisionPayload, v contracts.Verdict) error {
	diverged := func(field, recorded, replayed string) error {
		return &DivergenceError{EventID: eventID, Field: field, Recorded: recorded, Replayed: replayed}
	}
	switch {
	case p.Decision != v.Decision:
		return diverged("decision", string(p.Decision), string(v.Decision))
	case p.ReasonCode != v.ReasonCode:
		return diverged("reason_code", string(p.ReasonCode), string(v.ReasonCode))
	case p.GateName != v.GateName:
		return diverged("gate_name", p.GateName, v.GateName)
	case p.ApprovalRequired != v.ApprovalRequired:
		return diverged("approval_required", fmt.Sprint(p.ApprovalRequired), fmt.Sprint(v.ApprovalRequired))
	case len(p.Trace) != len(v.Trace):
		return diverged("trace.length", fmt.Sprint(len(p.Trace)), fmt.Sprint(len(v.Trace)))
	}
	for i := range p.Trace {
		if p.Trace[i] != v.Trace[i] {
			return diverged(fmt.Sprintf("trace[%d]", i), traceString(p.Trace[i]), traceString(v.Trace[i]))
		}
	}
	return nil
}

func traceString(t contracts.TraceEntry) string {
	return t.Gate + "/" + string(t.Decision) + "/" + string(t.ReasonCode)
}
