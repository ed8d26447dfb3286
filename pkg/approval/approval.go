// Package approval runs the approval lifecycle. A request starts PENDING and
// moves only through explicit decisions; each decision is appended as a new
// version of the approval's decision record, so history is never rewritten.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

var (
	ErrNotFound          = errors.New("approval not found")
	ErrInvalidTransition = errors.New("invalid approval transition")
	ErrExpired           = errors.New("approval request expired")
	ErrSelfApproval      = errors.New("requester cannot decide own approval")
)

// DefaultTTL applies when neither the request nor the service sets one.
const DefaultTTL = 15 * time.Minute

// SystemApprover is recorded on decisions the service makes itself (expiry).
const SystemApprover = "system"

// RequestKey is the durable key of an approval request.
func RequestKey(tenantID, approvalID string) (string, error) {
	return kv.TenantKey(tenantID, "approval", approvalID, "request")
}

// DecisionKey is the durable key whose versions are the decision history.
func DecisionKey(tenantID, approvalID string) (string, error) {
	return kv.TenantKey(tenantID, "approval", approvalID, "decision")
}

// RequestInput describes a new approval request.
type RequestInput struct {
	TenantID      string
	ActionType    contracts.ActionType
	Subject       string
	IntentHash    string
	PrincipalID   string
	CorrelationID string
	TTL           time.Duration
}

// Service writes approval requests and decisions.
type Service struct {
	store      kv.Store
	sink       audit.Sink
	clock      func() time.Time
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates an approval service.
func New(store kv.Store, sink audit.Sink) *Service {
	return &Service{
		store:      store,
		sink:       sink,
		clock:      time.Now,
		defaultTTL: DefaultTTL,
		logger:     slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithDefaultTTL sets the TTL for requests that do not carry one.
func (s *Service) WithDefaultTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
	return s
}

// Request records a new PENDING approval.
func (s *Service) Request(ctx context.Context, in RequestInput) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, error) {
	if in.TenantID == "" {
		return nil, nil, fmt.Errorf("approval request: tenant id is required")
	}
	if !in.ActionType.RequiresApproval() {
		return nil, nil, fmt.Errorf("approval request: action type %q does not take approvals", in.ActionType)
	}
	if in.IntentHash == "" {
		return nil, nil, fmt.Errorf("approval request: intent hash is required")
	}

	approvalID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}
	requestID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock().UTC()

	req := &contracts.ApprovalRequest{
		RequestID:   requestID.String(),
		ApprovalID:  approvalID.String(),
		TenantID:    in.TenantID,
		ActionType:  in.ActionType,
		Subject:     in.Subject,
		IntentHash:  in.IntentHash,
		PrincipalID: in.PrincipalID,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	dec := &contracts.ApprovalDecision{
		ApprovalID: req.ApprovalID,
		RequestID:  req.RequestID,
		Status:     contracts.ApprovalPending,
		DecidedAt:  now,
	}

	reqKey, err := RequestKey(in.TenantID, req.ApprovalID)
	if err != nil {
		return nil, nil, fmt.Errorf("approval request: %w", err)
	}
	decKey, err := DecisionKey(in.TenantID, req.ApprovalID)
	if err != nil {
		return nil, nil, fmt.Errorf("approval request: %w", err)
	}

	// The event goes first so a durable approval never exists unaudited.
	// Both keys are new, so their first version is 1.
	if _, err := s.sink.Emit(ctx, events.Params{
		Type:          events.TypeApprovalRequested,
		EventTime:     now,
		Actor:         in.PrincipalID,
		TenantID:      in.TenantID,
		CorrelationID: in.CorrelationID,
		Payload: map[string]any{
			"request":  req,
			"decision": dec,
			"refs": []kv.Ref{
				{Key: reqKey, Version: 1},
				{Key: decKey, Version: 1},
			},
		},
	}); err != nil {
		return nil, nil, fmt.Errorf("audit approval request: %w", err)
	}

	if _, err := kv.CompareAndSwapJSON(ctx, s.store, reqKey, 0, req); err != nil {
		return nil, nil, fmt.Errorf("store approval request: %w", err)
	}
	if _, err := kv.CompareAndSwapJSON(ctx, s.store, decKey, 0, dec); err != nil {
		return nil, nil, fmt.Errorf("store approval decision: %w", err)
	}
	return req, dec, nil
}

// Decide appends a decision. Only transitions allowed by
// contracts.CanTransition are accepted. Approving a request past its expiry
// records EXPIRED and returns ErrExpired.
func (s *Service) Decide(ctx context.Context, tenantID, approvalID string, status contracts.ApprovalStatus, approverID, reason, correlationID string) (*contracts.ApprovalDecision, error) {
	if approverID == "" {
		return nil, fmt.Errorf("approval %s: approver id is required", approvalID)
	}
	req, current, version, err := s.load(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	if approverID == req.PrincipalID && approverID != SystemApprover {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrSelfApproval)
	}
	if !contracts.CanTransition(current.Status, status) {
		return nil, fmt.Errorf("approval %s: %s -> %s: %w", approvalID, current.Status, status, ErrInvalidTransition)
	}

	now := s.clock().UTC()
	var expiredErr error
	if status == contracts.ApprovalApproved && !now.Before(req.ExpiresAt) {
		status = contracts.ApprovalExpired
		approverID = SystemApprover
		reason = "expired before approval"
		expiredErr = fmt.Errorf("approval %s: %w", approvalID, ErrExpired)
	}

	dec := &contracts.ApprovalDecision{
		ApprovalID: approvalID,
		RequestID:  req.RequestID,
		Status:     status,
		ApproverID: approverID,
		Reason:     reason,
		DecidedAt:  now,
	}
	decKey, _ := DecisionKey(tenantID, approvalID)
	e, err := kv.CompareAndSwapJSON(ctx, s.store, decKey, version, dec)
	if err != nil {
		return nil, fmt.Errorf("record approval decision %s: %w", approvalID, err)
	}

	if _, err := s.sink.Emit(ctx, events.Params{
		Type:          events.TypeApprovalDecided,
		EventTime:     now,
		Actor:         approverID,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Payload: map[string]any{
			"decision":        dec,
			"previous_status": current.Status,
			"ref":             kv.Ref{Key: decKey, Version: e.Version},
		},
	}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "approval decided",
		"tenant_id", tenantID,
		"approval_id", approvalID,
		"status", status,
		"approver_id", approverID,
	)
	return dec, expiredErr
}

// Grant approves a pending request.
func (s *Service) Grant(ctx context.Context, tenantID, approvalID, approverID, correlationID string) (*contracts.ApprovalDecision, error) {
	return s.Decide(ctx, tenantID, approvalID, contracts.ApprovalApproved, approverID, "", correlationID)
}

// Deny rejects a pending request.
func (s *Service) Deny(ctx context.Context, tenantID, approvalID, approverID, reason, correlationID string) (*contracts.ApprovalDecision, error) {
	return s.Decide(ctx, tenantID, approvalID, contracts.ApprovalDenied, approverID, reason, correlationID)
}

// Revoke withdraws a pending or approved request.
func (s *Service) Revoke(ctx context.Context, tenantID, approvalID, approverID, reason, correlationID string) (*contracts.ApprovalDecision, error) {
	return s.Decide(ctx, tenantID, approvalID, contracts.ApprovalRevoked, approverID, reason, correlationID)
}

// ExpireDue records EXPIRED for every PENDING request whose expiry has passed.
func (s *Service) ExpireDue(ctx context.Context, correlationID string) ([]*contracts.ApprovalDecision, error) {
	keys, err := s.store.List(ctx, "tenant/")
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	now := s.clock()
	var out []*contracts.ApprovalDecision
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 5 || parts[2] != "approval" || parts[4] != "decision" {
			continue
		}
		tenantID, approvalID := parts[1], parts[3]
		req, current, _, err := s.load(ctx, tenantID, approvalID)
		if err != nil {
			return out, err
		}
		if current.Status != contracts.ApprovalPending || now.Before(req.ExpiresAt) {
			continue
		}
		dec, err := s.Decide(ctx, tenantID, approvalID, contracts.ApprovalExpired, SystemApprover, "ttl elapsed", correlationID)
		if err != nil {
			if errors.Is(err, kv.ErrConflict) {
				continue
			}
			return out, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// Get returns the request and latest decision.
func (s *Service) Get(ctx context.Context, tenantID, approvalID string) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, error) {
	req, dec, _, err := s.load(ctx, tenantID, approvalID)
	return req, dec, err
}

// History returns every decision recorded for an approval, oldest first.
func (s *Service) History(ctx context.Context, tenantID, approvalID string) ([]contracts.ApprovalDecision, error) {
	_, _, version, err := s.load(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	decKey, _ := DecisionKey(tenantID, approvalID)
	out := make([]contracts.ApprovalDecision, 0, version)
	for v := uint64(1); v <= version; v++ {
		e, err := s.store.GetVersion(ctx, decKey, v)
		if err != nil {
			return nil, err
		}
		var d contracts.ApprovalDecision
		if err := decodeEntry(e, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, tenantID, approvalID string) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, uint64, error) {
	req, dec, decEntry, err := read(ctx, s.store, tenantID, approvalID)
	if err != nil {
		return nil, nil, 0, err
	}
	return req, dec, decEntry.Version, nil
}
