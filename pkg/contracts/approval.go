package contracts

import "time"

// ApprovalStatus is the state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalRevoked  ApprovalStatus = "REVOKED"
)

// CanTransition reports whether an approval may move from one status to another.
// APPROVED may still be revoked; every other non-PENDING status is terminal.
func CanTransition(from, to ApprovalStatus) bool {
	switch from {
	case ApprovalPending:
		return to == ApprovalApproved || to == ApprovalDenied || to == ApprovalExpired || to == ApprovalRevoked
	case ApprovalApproved:
		return to == ApprovalRevoked
	}
	return false
}

// ApprovalRequest asks for permission to run one intent.
type ApprovalRequest struct {
	RequestID   string     `json:"request_id"`
	ApprovalID  string     `json:"approval_id"`
	TenantID    string     `json:"tenant_id"`
	ActionType  ActionType `json:"action_type"`
	Subject     string     `json:"subject"`
	IntentHash  string     `json:"intent_hash"`
	PrincipalID string     `json:"principal_id"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// ApprovalDecision is one immutable entry in an approval's history.
type ApprovalDecision struct {
	ApprovalID string         `json:"approval_id"`
	RequestID  string         `json:"request_id"`
	Status     ApprovalStatus `json:"status"`
	ApproverID string         `json:"approver_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}
