package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/evidence"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/gate"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/killswitch"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/reliability"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

// EvaluateExecution runs the gate chain for ec without executing anything.
// The verdict is recorded like any other decision.
func (k *Kernel) EvaluateExecution(ctx context.Context, ec contracts.ExecutionContext) (*gate.Result, error) {
	return k.chain.Evaluate(ctx, ec)
}

// Execute evaluates ec and runs op through the substrate on ALLOW.
func (k *Kernel) Execute(ctx context.Context, ec contracts.ExecutionContext, op executor.Operation) (*executor.Receipt, error) {
	return k.executor.Execute(ctx, ec, op)
}

// Submit queues an execution for the dispatcher. done, if set, receives the
// outcome once the task ran. A full queue is audited and, under reject_new,
// returned as an error wrapping contracts.ErrQueueFull.
func (k *Kernel) Submit(ctx context.Context, ec contracts.ExecutionContext, op executor.Operation, done func(*executor.Receipt, error)) error {
	return k.dispatcher.Submit(ctx, reliability.Task{
		Name:          op.Name,
		TenantID:      ec.TenantID,
		CorrelationID: ec.CorrelationID,
		Run: func(ctx context.Context) error {
			rcpt, err := k.executor.Execute(ctx, ec, op)
			if done != nil {
				done(rcpt, err)
			}
			return err
		},
	})
}

// Run drains submitted executions until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	return k.dispatcher.Run(ctx)
}

// Pending is the number of queued executions.
func (k *Kernel) Pending() int { return k.queue.Len() }

// RequestApproval records a PENDING approval.
func (k *Kernel) RequestApproval(ctx context.Context, in approval.RequestInput) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, error) {
	return k.approvals.Request(ctx, in)
}

// Decision is a human decision on a pending or granted approval.
type Decision struct {
	TenantID      string
	ApprovalID    string
	Status        contracts.ApprovalStatus
	ApproverID    string
	Reason        string
	CorrelationID string
}

// DecideApproval grants, denies or revokes an approval.
func (k *Kernel) DecideApproval(ctx context.Context, d Decision) (*contracts.ApprovalDecision, error) {
	switch d.Status {
	case contracts.ApprovalApproved:
		return k.approvals.Grant(ctx, d.TenantID, d.ApprovalID, d.ApproverID, d.CorrelationID)
	case contracts.ApprovalDenied:
		return k.approvals.Deny(ctx, d.TenantID, d.ApprovalID, d.ApproverID, d.Reason, d.CorrelationID)
	case contracts.ApprovalRevoked:
		return k.approvals.Revoke(ctx, d.TenantID, d.ApprovalID, d.ApproverID, d.Reason, d.CorrelationID)
	default:
		return nil, fmt.Errorf("%w: %s cannot be decided by an approver", approval.ErrInvalidTransition, d.Status)
	}
}

// GetApproval returns an approval request and its latest decision.
func (k *Kernel) GetApproval(ctx context.Context, tenantID, approvalID string) (*contracts.ApprovalRequest, *contracts.ApprovalDecision, error) {
	return k.approvals.Get(ctx, tenantID, approvalID)
}

// ApprovalHistory returns every decision recorded for an approval.
func (k *Kernel) ApprovalHistory(ctx context.Context, tenantID, approvalID string) ([]contracts.ApprovalDecision, error) {
	return k.approvals.History(ctx, tenantID, approvalID)
}

// ExpireApprovals records EXPIRED for every pending approval past its TTL.
func (k *Kernel) ExpireApprovals(ctx context.Context, correlationID string) ([]*contracts.ApprovalDecision, error) {
	return k.approvals.ExpireDue(ctx, correlationID)
}

// KillSwitch sets a switch. An empty TenantID targets the global switch.
type KillSwitch struct {
	TenantID      string
	Active        bool
	Actor         string
	Reason        string
	CorrelationID string
}

// SetKillSwitch writes a new switch state.
func (k *Kernel) SetKillSwitch(ctx context.Context, s KillSwitch) (*killswitch.State, error) {
	if s.Actor == "" {
		s.Actor = k.cfg.Actor
	}
	if s.TenantID == "" {
		return k.switches.SetGlobal(ctx, s.Active, s.Actor, s.Reason, s.CorrelationID)
	}
	return k.switches.SetTenant(ctx, s.TenantID, s.Active, s.Actor, s.Reason, s.CorrelationID)
}

// RegisterTenant adds a tenant to the registry.
func (k *Kernel) RegisterTenant(ctx context.Context, t tenants.Tenant, correlationID string) (*tenants.Tenant, error) {
	return k.registry.Register(ctx, t, correlationID)
}

// RegisterResource records the owning tenant of a resource.
func (k *Kernel) RegisterResource(ctx context.Context, tenantID, resourceID, correlationID string) (*tenants.Resource, error) {
	return k.registry.RegisterResource(ctx, tenantID, resourceID, correlationID)
}

// RegisterPrincipal stores a principal in its tenant's credential store.
func (k *Kernel) RegisterPrincipal(ctx context.Context, p authz.Principal, correlationID string) (*authz.Principal, error) {
	return k.directory.Register(ctx, p, correlationID)
}

// Replay replays one correlation id against the effective policy.
func (k *Kernel) Replay(ctx context.Context, correlationID string) (*replay.Report, error) {
	return k.replay.Replay(ctx, correlationID)
}

// Export is the result of ExportEvidence.
type Export struct {
	Object evidence.Object
	Bundle *evidence.Bundle
}

// ExportEvidence replays each correlation id and writes the policy, time
// basis and reports to the configured evidence sink. Replay failures are
// part of the evidence and do not stop the export; a correlation id that
// cannot be read at all does.
func (k *Kernel) ExportEvidence(ctx context.Context, correlationIDs ...string) (*Export, error) {
	if len(correlationIDs) == 0 {
		return nil, errors.New("evidence export: at least one correlation id is required")
	}
	b, err := evidence.NewBundle(k.policy)
	if err != nil {
		return nil, err
	}
	for _, corr := range correlationIDs {
		rep, err := k.replay.Replay(ctx, corr)
		if rep == nil {
			return nil, err
		}
		b.Add(rep)
	}

	sink, err := evidence.NewSink(ctx, evidence.SinkConfig{
		Type:   evidence.SinkType(k.cfg.EvidenceSink),
		Dir:    k.cfg.EvidencePath(),
		Bucket: k.cfg.EvidenceBucket,
		Prefix: k.cfg.EvidencePrefix,
	})
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "EXOARMUR_EVIDENCE_SINK", Err: err}
	}
	if c, ok := sink.(interface{ Close() error }); ok {
		defer c.Close()
	}
	obj, err := evidence.Export(ctx, sink, b)
	if err != nil {
		return nil, fmt.Errorf("evidence export: %w", err)
	}
	k.logger.InfoContext(ctx, "evidence exported", "location", obj.Location, "hash", obj.Hash, "reports", len(b.Reports), "passed", b.Passed())
	return &Export{Object: obj, Bundle: b}, nil
}
