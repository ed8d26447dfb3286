package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kernel"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
)

func newReplayCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "replay CORRELATION_ID",
		Short: "Recompute recorded decisions from the audit trail",
		Long: `Replay every event recorded for a correlation id and recompute each gate
decision from the store versions it read, at its recorded event time.

The NDJSON report is written to stdout, or to --out. The same records always
produce the same bytes.

Exit codes:
  0 - every event verified and every decision matched
  1 - tamper, missing durable reference or divergence
  2 - command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				rep, err := k.Replay(ctx, args[0])
				if rep == nil {
					return err
				}
				if werr := writeReport(opts.stdout, out, rep); werr != nil {
					return werr
				}
				if err != nil {
					return denied("replay failed: %s", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the report to this file instead of stdout")
	return cmd
}

func writeReport(stdout io.Writer, path string, rep *replay.Report) error {
	if path == "" {
		_, err := rep.WriteTo(stdout)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := rep.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s %s\n", rep.Summary.Status, path)
	return err
}

func newEvidenceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Export evidence bundles",
	}
	export := &cobra.Command{
		Use:   "export CORRELATION_ID...",
		Short: "Replay correlation ids and store the policy, time basis and reports",
		Long: `Replay each correlation id and write an evidence bundle to the configured
sink (EXOARMUR_EVIDENCE_SINK). Exits 1 when any report failed; the bundle is
still written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				exp, err := k.ExportEvidence(ctx, args...)
				if err != nil {
					return err
				}
				type result struct {
					Location string `json:"location"`
					Hash     string `json:"hash"`
					Reports  int    `json:"reports"`
					Passed   bool   `json:"passed"`
				}
				res := result{Location: exp.Object.Location, Hash: exp.Object.Hash, Reports: len(exp.Bundle.Reports), Passed: exp.Bundle.Passed()}
				if err := opts.print(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s\n  hash:    %s\n  reports: %d\n  passed:  %t\n", res.Location, res.Hash, res.Reports, res.Passed)
				}); err != nil {
					return err
				}
				if !res.Passed {
					return denied("evidence contains failed replays")
				}
				return nil
			})
		},
	}
	cmd.AddCommand(export)
	return cmd
}

func newPolicyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect governance policies",
	}
	check := &cobra.Command{
		Use:   "check [FILE]",
		Short: "Validate a policy file and print its hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := opts.policyFile
			if len(args) == 1 {
				path = args[0]
			}
			p, err := config.LoadPolicy(path)
			if err != nil {
				return err
			}
			h, err := p.Hash()
			if err != nil {
				return err
			}
			type result struct {
				PolicyVersion string         `json:"policy_version"`
				PolicyHash    string         `json:"policy_hash"`
				Policy        *config.Policy `json:"policy"`
			}
			return opts.print(result{PolicyVersion: p.PolicyVersion, PolicyHash: h, Policy: p}, func(w io.Writer) {
				fmt.Fprintf(w, "policy %s ok\n  hash: %s\n  timeouts: %v\n", p.PolicyVersion, h, p.Categories())
			})
		},
	}
	cmd.AddCommand(check)
	return cmd
}
