package events

import "strings"

// Type names an audit event kind.
type Type string

const (
	TypeKillSwitchSet       Type = "KILL_SWITCH_SET"
	TypeTenantRegistered    Type = "TENANT_REGISTERED"
	TypePrincipalRegistered Type = "PRINCIPAL_REGISTERED"
	TypeResourceRegistered  Type = "RESOURCE_REGISTERED"
	TypeApprovalRequested   Type = "APPROVAL_REQUESTED"
	TypeApprovalDecided     Type = "APPROVAL_DECIDED"
	TypeGateDecision        Type = "GATE_DECISION"
	TypeIdempotencyHit      Type = "IDEMPOTENCY_HIT"
	TypeRateLimited         Type = "RATE_LIMITED"
	TypeQueueFull           Type = "QUEUE_FULL"
	TypeCircuitTransition   Type = "CIRCUIT_TRANSITION"
	TypeAttempt             Type = "ATTEMPT"
	TypeRetryExhausted      Type = "RETRY_EXHAUSTED"
	TypeEffectExecuted      Type = "EFFECT_EXECUTED"
)

// TimeoutPrefix starts every per-category timeout event type.
const TimeoutPrefix = "TIMEOUT_"

// Timeout returns the event type for a timeout in category.
func Timeout(category string) Type {
	return Type(TimeoutPrefix + strings.ToUpper(category))
}

// IsTimeout reports whether t is a TIMEOUT_<category> event.
func (t Type) IsTimeout() bool {
	return strings.HasPrefix(string(t), TimeoutPrefix) && len(t) > len(TimeoutPrefix)
}

// priorities is the static tie-break table for events sharing an event_time.
// Lower sorts first.
var priorities = map[Type]int{
	TypeKillSwitchSet:       10,
	TypeTenantRegistered:    20,
	TypePrincipalRegistered: 30,
	TypeResourceRegistered:  40,
	TypeApprovalRequested:   50,
	TypeApprovalDecided:     60,
	TypeGateDecision:        70,
	TypeIdempotencyHit:      80,
	TypeRateLimited:         90,
	TypeQueueFull:           100,
	TypeCircuitTransition:   110,
	TypeAttempt:             120,
	// TIMEOUT_* = 130
	TypeRetryExhausted: 140,
	TypeEffectExecuted: 150,
}

const (
	timeoutPriority = 130
	unknownPriority = 1000
)

// Priority returns the fixed ordering rank of t.
func (t Type) Priority() int {
	if p, ok := priorities[t]; ok {
		return p
	}
	if t.IsTimeout() {
		return timeoutPriority
	}
	return unknownPriority
}

// DecisionBearing reports whether replay recomputes a verdict for t.
func (t Type) DecisionBearing() bool {
	return t == TypeGateDecision
}
