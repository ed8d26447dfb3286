package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kernel"
)

func newApprovalCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Request, decide and inspect approvals",
	}
	cmd.AddCommand(
		newApprovalRequestCommand(opts),
		newApprovalDecideCommand(opts, "grant", contracts.ApprovalApproved),
		newApprovalDecideCommand(opts, "deny", contracts.ApprovalDenied),
		newApprovalDecideCommand(opts, "revoke", contracts.ApprovalRevoked),
		newApprovalExpireCommand(opts),
		newApprovalShowCommand(opts),
	)
	return cmd
}

type approvalOutput struct {
	Request *contracts.ApprovalRequest   `json:"request,omitempty"`
	Latest  *contracts.ApprovalDecision  `json:"latest,omitempty"`
	History []contracts.ApprovalDecision `json:"history,omitempty"`
}

func newApprovalRequestCommand(opts *rootOptions) *cobra.Command {
	var (
		in  approval.RequestInput
		act string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Record a PENDING approval request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			corr, err := correlationID(in.CorrelationID)
			if err != nil {
				return err
			}
			in.CorrelationID = corr
			in.ActionType = contracts.ActionType(act)
			in.TTL = ttl
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				req, dec, err := k.RequestApproval(ctx, in)
				if err != nil {
					return err
				}
				return opts.print(approvalOutput{Request: req, Latest: dec}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n  expires: %s\n  correlation: %s\n", req.ApprovalID, dec.Status, req.ExpiresAt.Format(time.RFC3339), corr)
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&act, "action", string(contracts.ActionSoftEffect), "action type the approval covers")
	cmd.Flags().StringVar(&in.Subject, "subject", "", "what is being approved")
	cmd.Flags().StringVar(&in.IntentHash, "intent-hash", "", "hash of the intent the approval binds to")
	cmd.Flags().StringVar(&in.PrincipalID, "principal", "", "requesting principal")
	cmd.Flags().StringVar(&in.CorrelationID, "correlation-id", "", "correlation id (generated when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (defaults to the policy TTL)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("intent-hash")
	return cmd
}

func newApprovalDecideCommand(opts *rootOptions, verb string, status contracts.ApprovalStatus) *cobra.Command {
	d := kernel.Decision{Status: status}
	cmd := &cobra.Command{
		Use:   verb + " APPROVAL_ID",
		Short: fmt.Sprintf("Record %s on an approval", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.ApprovalID = args[0]
			corr, err := correlationID(d.CorrelationID)
			if err != nil {
				return err
			}
			d.CorrelationID = corr
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				dec, err := k.DecideApproval(ctx, d)
				if err != nil {
					return err
				}
				return opts.print(approvalOutput{Latest: dec}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s by %s\n", dec.ApprovalID, dec.Status, dec.ApproverID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&d.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&d.ApproverID, "approver", "", "approver id")
	cmd.Flags().StringVar(&d.CorrelationID, "correlation-id", "", "correlation id (generated when empty)")
	if status != contracts.ApprovalApproved {
		cmd.Flags().StringVar(&d.Reason, "reason", "", "reason recorded with the decision")
	}
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func newApprovalExpireCommand(opts *rootOptions) *cobra.Command {
	var corr string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Record EXPIRED for every pending approval past its TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := correlationID(corr)
			if err != nil {
				return err
			}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				expired, err := k.ExpireApprovals(ctx, id)
				if err != nil {
					return err
				}
				if expired == nil {
					expired = []*contracts.ApprovalDecision{}
				}
				return opts.print(expired, func(w io.Writer) {
					fmt.Fprintf(w, "expired %d approval(s)\n", len(expired))
					for _, d := range expired {
						fmt.Fprintf(w, "  %s\n", d.ApprovalID)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&corr, "correlation-id", "", "correlation id (generated when empty)")
	return cmd
}

func newApprovalShowCommand(opts *rootOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "show APPROVAL_ID",
		Short: "Show an approval request and its decision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				req, dec, err := k.GetApproval(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				hist, err := k.ApprovalHistory(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return opts.print(approvalOutput{Request: req, Latest: dec, History: hist}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s %s (%s)\n", req.ApprovalID, req.ActionType, dec.Status, req.Subject)
					for _, h := range hist {
						fmt.Fprintf(w, "  %s %-8s %s %s\n", h.DecidedAt.Format(time.RFC3339), h.Status, h.ApproverID, h.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
