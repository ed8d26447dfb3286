// Package contracts holds the data shapes shared by every component: the
// execution context evaluated by the gate chain, gate outcomes and reason
// codes, approval records, reliability state and the error taxonomy.
package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

// ActionType classifies how much side effect an action may have.
type ActionType string

const (
	ActionObserve      ActionType = "observe"
	ActionSoftEffect   ActionType = "soft_effect"
	ActionHardEffect   ActionType = "hard_effect"
	ActionIrreversible ActionType = "irreversible"
)

// Known reports whether a is one of the defined action classes.
func (a ActionType) Known() bool {
	switch a {
	case ActionObserve, ActionSoftEffect, ActionHardEffect, ActionIrreversible:
		return true
	}
	return false
}

// RequiresApproval reports whether a needs an APPROVED decision before it may run.
// Unknown action types never reach this check; they are denied earlier.
func (a ActionType) RequiresApproval() bool {
	return a.Known() && a != ActionObserve
}

// ExecutionContext is the input to the gate chain for one action.
type ExecutionContext struct {
	ActionType    ActionType `json:"action_type"`
	TenantID      string     `json:"tenant_id"`
	PrincipalID   string     `json:"principal_id"`
	CorrelationID string     `json:"correlation_id"`
	TraceID       string     `json:"trace_id,omitempty"`
	ApprovalID    string     `json:"approval_id,omitempty"`

	// IntentHash binds the action to the intent an approver saw. When Intent is
	// present it must hash to IntentHash.
	IntentHash string          `json:"intent_hash,omitempty"`
	Intent     json.RawMessage `json:"intent,omitempty"`

	ResourceIDs  []string `json:"resource_ids,omitempty"`
	EffectorKind string   `json:"effector_kind,omitempty"`

	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

// Canonical returns the canonical encoding of ec.
func (ec ExecutionContext) Canonical() ([]byte, error) {
	b, err := canonicalize.JCS(ec)
	if err != nil {
		return nil, fmt.Errorf("execution context: %w", err)
	}
	return b, nil
}

// Normalize round-trips ec through its canonical form so a live evaluation
// sees exactly the values a later replay will decode from the audit trail.
func (ec ExecutionContext) Normalize() (ExecutionContext, error) {
	b, err := ec.Canonical()
	if err != nil {
		return ExecutionContext{}, err
	}
	return DecodeExecutionContext(b)
}

// DecodeExecutionContext parses a context recorded in an audit payload.
func DecodeExecutionContext(b []byte) (ExecutionContext, error) {
	var out ExecutionContext
	if err := json.Unmarshal(b, &out); err != nil {
		return ExecutionContext{}, fmt.Errorf("decode execution context: %w", err)
	}
	return out, nil
}
