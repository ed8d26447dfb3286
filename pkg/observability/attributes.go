package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrTenantID      = attribute.Key("exoarmur.tenant.id")
	AttrCorrelationID = attribute.Key("exoarmur.correlation.id")
	AttrActionType    = attribute.Key("exoarmur.action.type")
	AttrDecision      = attribute.Key("exoarmur.gate.decision")
	AttrReasonCode    = attribute.Key("exoarmur.gate.reason_code")
	AttrGateName      = attribute.Key("exoarmur.gate.name")
	AttrOperation     = attribute.Key("exoarmur.operation")
	AttrOutcome       = attribute.Key("exoarmur.attempt.outcome")
	AttrRejection     = attribute.Key("exoarmur.rejection.kind")
)

// DecisionAttributes labels a verdict.
func DecisionAttributes(tenantID, decision, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrDecision.String(decision),
		AttrReasonCode.String(reason),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
