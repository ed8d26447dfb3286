package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kernel"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	format     string
	dataDir    string
	policyFile string
	stdout     io.Writer
	stderr     io.Writer
}

// extraOptions are appended to every kernel the CLI opens. Tests use it to
// pin the clock.
var extraOptions []kernel.Option

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "exoarmur",
		Short:         "Execution governance: gates, approvals, kill switches and replay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides EXOARMUR_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&opts.policyFile, "policy", "", "policy file (overrides EXOARMUR_POLICY_FILE)")

	cmd.AddCommand(
		newEvaluateCommand(opts),
		newExecuteCommand(opts),
		newApprovalCommand(opts),
		newKillSwitchCommand(opts),
		newTenantCommand(opts),
		newPrincipalCommand(opts),
		newReplayCommand(opts),
		newEvidenceCommand(opts),
		newPolicyCommand(opts),
	)
	return cmd
}

// settings loads process settings and the policy, applying flag overrides.
func (o *rootOptions) settings() (*config.Config, *config.Policy, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.policyFile != "" {
		cfg.PolicyFile = o.policyFile
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, policy, nil
}

// withKernel opens a kernel for the duration of fn.
func (o *rootOptions) withKernel(ctx context.Context, fn func(context.Context, *kernel.Kernel) error) error {
	cfg, policy, err := o.settings()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, o.stderr)
	if err != nil {
		return err
	}
	opts := append([]kernel.Option{kernel.WithLogger(logger)}, extraOptions...)
	k, err := kernel.New(ctx, cfg, policy, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := k.Close(); cerr != nil {
			logger.WarnContext(ctx, "close kernel", "error", cerr)
		}
	}()
	return fn(ctx, k)
}

// print writes v as JSON, or calls text for the text format.
func (o *rootOptions) print(v any, text func(w io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.stdout)
	return nil
}

// correlationID returns id, or a fresh one when id is empty.
func correlationID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return events.NewID()
}
