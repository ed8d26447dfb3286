package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

// read loads the request and latest decision through a tenant-scoped reader.
func read(ctx context.Context, r kv.Reader, tenantID, approvalID string) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, *kv.Entry, error) {
	reqKey, err := RequestKey(tenantID, approvalID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("approval %q: %w: %w", approvalID, ErrNotFound, err)
	}
	decKey, _ := DecisionKey(tenantID, approvalID)
	scoped := tenants.Scope(r, tenantID)

	var req contracts.ApprovalRequest
	if _, err := kv.GetJSON(ctx, scoped, reqKey, &req); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		return nil, nil, nil, err
	}
	var dec contracts.ApprovalDecision
	e, err := kv.GetJSON(ctx, scoped, decKey, &dec)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("approval %s has no decision record: %w", approvalID, ErrNotFound)
		}
		return nil, nil, nil, err
	}
	return &req, &dec, e, nil
}

func decodeEntry(e *kv.Entry, v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decode %s@%d: %w", e.Key, e.Version, err)
	}
	return nil
}

// IntentHash returns the digest an approval binds to for a structured intent.
func IntentHash(intent json.RawMessage) (string, error) {
	return canonicalize.Hash(intent)
}

// Check is the approval gate. It needs an APPROVED, unexpired decision for
// the context's approval id whose request matches the action type and intent
// hash. at is the evaluation time basis.
func Check(ctx context.Context, r kv.Reader, ec contracts.ExecutionContext, at time.Time) (contracts.ReasonCode, error) {
	if !ec.ActionType.RequiresApproval() {
		return contracts.ReasonOK, nil
	}
	if ec.ApprovalID == "" {
		return contracts.ReasonApprovalRequired, nil
	}
	if len(ec.Intent) > 0 {
		h, err := IntentHash(ec.Intent)
		if err != nil || h != ec.IntentHash {
			return contracts.ReasonIntentHashMismatch, nil
		}
	}

	req, dec, _, err := read(ctx, r, ec.TenantID, ec.ApprovalID)
	switch {
	case errors.Is(err, ErrNotFound):
		return contracts.ReasonApprovalNotFound, nil
	case err != nil:
		return contracts.ReasonInputUnavailable, err
	}

	switch dec.Status {
	case contracts.ApprovalPending:
		if !at.Before(req.ExpiresAt) {
			return contracts.ReasonApprovalExpired, nil
		}
		return contracts.ReasonApprovalPending, nil
	case contracts.ApprovalDenied:
		return contracts.ReasonApprovalDenied, nil
	case contracts.ApprovalExpired:
		return contracts.ReasonApprovalExpired, nil
	case contracts.ApprovalRevoked:
		return contracts.ReasonApprovalRevoked, nil
	case contracts.ApprovalApproved:
	default:
		return contracts.ReasonInternalError, fmt.Errorf("approval %s: unknown status %q", ec.ApprovalID, dec.Status)
	}

	if !at.Before(req.ExpiresAt) {
		return contracts.ReasonApprovalExpired, nil
	}
	if req.ActionType != ec.ActionType {
		return contracts.ReasonApprovalActionMismatch, nil
	}
	if req.IntentHash != ec.IntentHash {
		return contracts.ReasonIntentHashMismatch, nil
	}
	return contracts.ReasonOK, nil
}
