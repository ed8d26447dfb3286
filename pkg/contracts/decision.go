package contracts

import "time"

// Decision is the outcome of a gate.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// ReasonCode is a machine-readable explanation for a gate outcome.
type ReasonCode string

const (
	ReasonOK                     ReasonCode = "ok"
	ReasonGlobalKillSwitchActive ReasonCode = "global_kill_switch_active"
	ReasonTenantKillSwitchActive ReasonCode = "tenant_kill_switch_active"
	ReasonTenantContextMissing   ReasonCode = "tenant_context_missing"
	ReasonTenantUnknown          ReasonCode = "tenant_unknown"
	ReasonTenantSuspended        ReasonCode = "tenant_suspended"
	ReasonResourceUnknown        ReasonCode = "resource_unknown"
	ReasonCrossTenantAccess      ReasonCode = "cross_tenant_access"
	ReasonApprovalRequired       ReasonCode = "approval_required"
	ReasonApprovalNotFound       ReasonCode = "approval_not_found"
	ReasonApprovalPending        ReasonCode = "approval_pending"
	ReasonApprovalDenied         ReasonCode = "approval_denied"
	ReasonApprovalExpired        ReasonCode = "approval_expired"
	ReasonApprovalRevoked        ReasonCode = "approval_revoked"
	ReasonApprovalActionMismatch ReasonCode = "approval_action_mismatch"
	ReasonIntentHashMismatch     ReasonCode = "intent_hash_mismatch"
	ReasonPrincipalMissing       ReasonCode = "principal_missing"
	ReasonPrincipalUnknown       ReasonCode = "principal_unknown"
	ReasonPrincipalDisabled      ReasonCode = "principal_disabled"
	ReasonAuthzDenied            ReasonCode = "authz_denied"
	ReasonUnknownActionType      ReasonCode = "unknown_action_type"
	ReasonInputUnavailable       ReasonCode = "input_unavailable"
	ReasonInternalError          ReasonCode = "internal_error"
)

var reasonCodes = map[ReasonCode]struct{}{
	ReasonOK: {}, ReasonGlobalKillSwitchActive: {}, ReasonTenantKillSwitchActive: {},
	ReasonTenantContextMissing: {}, ReasonTenantUnknown: {}, ReasonTenantSuspended: {},
	ReasonResourceUnknown: {}, ReasonCrossTenantAccess: {}, ReasonApprovalRequired: {},
	ReasonApprovalNotFound: {}, ReasonApprovalPending: {}, ReasonApprovalDenied: {},
	ReasonApprovalExpired: {}, ReasonApprovalRevoked: {}, ReasonApprovalActionMismatch: {},
	ReasonIntentHashMismatch: {}, ReasonPrincipalMissing: {}, ReasonPrincipalUnknown: {},
	ReasonPrincipalDisabled: {}, ReasonAuthzDenied: {}, ReasonUnknownActionType: {},
	ReasonInputUnavailable: {}, ReasonInternalError: {},
}

// Known reports whether r belongs to the fixed reason code set.
func (r ReasonCode) Known() bool {
	_, ok := reasonCodes[r]
	return ok
}

// GateResult is the outcome of a single gate.
type GateResult struct {
	Decision    Decision   `json:"decision"`
	ReasonCode  ReasonCode `json:"reason_code"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
	GateName    string     `json:"gate_name"`
}

// Allowed reports whether the result permits the action.
func (g GateResult) Allowed() bool {
	return g.Decision == DecisionAllow
}

// TraceEntry is one evaluated gate in a verdict trace.
type TraceEntry struct {
	Gate       string     `json:"gate"`
	Decision   Decision   `json:"decision"`
	ReasonCode ReasonCode `json:"reason_code"`
}

// Verdict is the outcome of the whole gate chain. A DENY is a value, not an error.
type Verdict struct {
	GateResult
	ApprovalRequired bool         `json:"approval_required"`
	Trace            []TraceEntry `json:"trace"`

	// Err is the input failure behind an input_unavailable or internal_error
	// DENY. It is never serialized.
	Err error `json:"-"`
}
