package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kernel"
)

// contextFlags builds an ExecutionContext from flags or a JSON file.
type contextFlags struct {
	file          string
	action        string
	tenant        string
	principal     string
	correlationID string
	approvalID    string
	intentHash    string
	resources     []string
}

func (f *contextFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "context-file", "", "JSON execution context (flags below override its fields)")
	cmd.Flags().StringVar(&f.action, "action", "", "action type (observe|soft_effect|hard_effect|irreversible)")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.principal, "principal", "", "principal id")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "correlation id (generated when empty)")
	cmd.Flags().StringVar(&f.approvalID, "approval-id", "", "approval id")
	cmd.Flags().StringVar(&f.intentHash, "intent-hash", "", "intent hash the approval binds to")
	cmd.Flags().StringSliceVar(&f.resources, "resource", nil, "resource id (repeatable)")
}

func (f *contextFlags) build() (contracts.ExecutionContext, error) {
	var ec contracts.ExecutionContext
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return ec, fmt.Errorf("read context: %w", err)
		}
		if ec, err = contracts.DecodeExecutionContext(data); err != nil {
			return ec, fmt.Errorf("decode context: %w", err)
		}
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	if f.action != "" {
		ec.ActionType = contracts.ActionType(f.action)
	}
	set(&ec.TenantID, f.tenant)
	set(&ec.PrincipalID, f.principal)
	set(&ec.CorrelationID, f.correlationID)
	set(&ec.ApprovalID, f.approvalID)
	set(&ec.IntentHash, f.intentHash)
	if len(f.resources) > 0 {
		ec.ResourceIDs = f.resources
	}
	corr, err := correlationID(ec.CorrelationID)
	if err != nil {
		return ec, err
	}
	ec.CorrelationID = corr
	return ec, nil
}

type verdictOutput struct {
	CorrelationID    string                 `json:"correlation_id"`
	Decision         contracts.Decision     `json:"decision"`
	ReasonCode       contracts.ReasonCode   `json:"reason_code"`
	GateName         string                 `json:"gate_name"`
	ApprovalRequired bool                   `json:"approval_required"`
	Trace            []contracts.TraceEntry `json:"trace"`
	EventID          string                 `json:"event_id,omitempty"`
}

func printVerdict(w io.Writer, v verdictOutput) {
	fmt.Fprintf(w, "%s %s (gate %s)\n", v.Decision, v.ReasonCode, v.GateName)
	fmt.Fprintf(w, "  correlation: %s\n", v.CorrelationID)
	if v.EventID != "" {
		fmt.Fprintf(w, "  event:       %s\n", v.EventID)
	}
	for _, t := range v.Trace {
		fmt.Fprintf(w, "  - %-20s %-5s %s\n", t.Gate, t.Decision, t.ReasonCode)
	}
}

func newEvaluateCommand(opts *rootOptions) *cobra.Command {
	var cf contextFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the gate chain for an execution context",
		Long: `Run the gate chain and record the decision. Nothing is executed.

Exits 1 when the action is denied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ec, err := cf.build()
			if err != nil {
				return err
			}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				res, err := k.EvaluateExecution(ctx, ec)
				if err != nil {
					return err
				}
				out := verdictOutput{
					CorrelationID:    ec.CorrelationID,
					Decision:         res.Decision,
					ReasonCode:       res.ReasonCode,
					GateName:         res.GateName,
					ApprovalRequired: res.ApprovalRequired,
					Trace:            res.Trace,
				}
				if res.Event != nil {
					out.EventID = res.Event.EventID
				}
				if err := opts.print(out, func(w io.Writer) { printVerdict(w, out) }); err != nil {
					return err
				}
				if !res.Allowed() {
					return denied("denied: %s", res.ReasonCode)
				}
				return nil
			})
		},
	}
	cf.register(cmd)
	return cmd
}

type receiptOutput struct {
	verdictOutput
	EffectorKind   executor.Kind   `json:"effector_kind"`
	Result         json.RawMessage `json:"result,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	Cached         bool            `json:"cached"`
	EffectEventID  string          `json:"effect_event_id,omitempty"`
}

func newExecuteCommand(opts *rootOptions) *cobra.Command {
	var (
		cf         contextFlags
		operation  string
		dependency string
		category   string
		params     []string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Evaluate an action and, if allowed, run it through the effector",
		Long: `Evaluate an action and, if allowed, run the operation through the
reliability substrate and the configured effector (EXOARMUR_EFFECTOR).

Exits 1 when the action is denied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ec, err := cf.build()
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			op := executor.Operation{Name: operation, Dependency: dependency, Category: category, Params: p}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				rcpt, err := k.Execute(ctx, ec, op)
				if rcpt == nil {
					return err
				}
				out := receiptOutput{
					verdictOutput: verdictOutput{
						CorrelationID:    ec.CorrelationID,
						Decision:         rcpt.Verdict.Decision,
						ReasonCode:       rcpt.Verdict.ReasonCode,
						GateName:         rcpt.Verdict.GateName,
						ApprovalRequired: rcpt.Verdict.ApprovalRequired,
						Trace:            rcpt.Verdict.Trace,
						EventID:          rcpt.DecisionEventID,
					},
					EffectorKind:   rcpt.EffectorKind,
					Result:         rcpt.Result,
					IdempotencyKey: rcpt.IdempotencyKey,
					Attempts:       rcpt.Attempts,
					Cached:         rcpt.Cached,
					EffectEventID:  rcpt.EffectEventID,
				}
				if perr := opts.print(out, func(w io.Writer) {
					printVerdict(w, out.verdictOutput)
					if len(out.Result) > 0 {
						fmt.Fprintf(w, "  effector:    %s\n  attempts:    %d\n  cached:      %t\n  result:      %s\n", out.EffectorKind, out.Attempts, out.Cached, out.Result)
					}
				}); perr != nil {
					return perr
				}
				switch {
				case err != nil && rcpt.Verdict.Allowed():
					return &outcomeError{code: ExitFailure, message: "effect failed: " + err.Error()}
				case err != nil:
					return err
				case !rcpt.Verdict.Allowed():
					return denied("denied: %s", rcpt.Verdict.ReasonCode)
				}
				return nil
			})
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&operation, "operation", "", "operation name (required)")
	cmd.Flags().StringVar(&dependency, "dependency", "", "dependency the circuit breaker tracks (defaults to the operation)")
	cmd.Flags().StringVar(&category, "category", "", "timeout category")
	cmd.Flags().StringArrayVar(&params, "param", nil, "operation parameter key=value (repeatable)")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func parseParams(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, p := range kvs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
