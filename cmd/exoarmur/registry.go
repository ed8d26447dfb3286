package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kernel"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

func newKillSwitchCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Engage or release the global or a tenant kill switch",
	}
	cmd.AddCommand(
		newKillSwitchSetCommand(opts, "engage", true),
		newKillSwitchSetCommand(opts, "release", false),
	)
	return cmd
}

func newKillSwitchSetCommand(opts *rootOptions, verb string, active bool) *cobra.Command {
	s := kernel.KillSwitch{Active: active}
	cmd := &cobra.Command{
		Use:   verb,
		Short: verb + " a kill switch (global unless --tenant is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			corr, err := correlationID(s.CorrelationID)
			if err != nil {
				return err
			}
			s.CorrelationID = corr
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				st, err := k.SetKillSwitch(ctx, s)
				if err != nil {
					return err
				}
				return opts.print(st, func(w io.Writer) {
					scope := "global"
					if st.TenantID != "" {
						scope = "tenant " + st.TenantID
					}
					fmt.Fprintf(w, "%s kill switch active=%t (set by %s)\n", scope, st.Active, st.SetBy)
				})
			})
		},
	}
	cmd.Flags().StringVar(&s.TenantID, "tenant", "", "tenant id (omit for the global switch)")
	cmd.Flags().StringVar(&s.Actor, "actor", "", "who is setting the switch (defaults to EXOARMUR_ACTOR)")
	cmd.Flags().StringVar(&s.Reason, "reason", "", "reason recorded with the switch")
	cmd.Flags().StringVar(&s.CorrelationID, "correlation-id", "", "correlation id (generated when empty)")
	return cmd
}

func newTenantCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Register tenants and the resources they own",
	}

	var name, corr string
	register := &cobra.Command{
		Use:   "register TENANT_ID",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := correlationID(corr)
			if err != nil {
				return err
			}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				t, err := k.RegisterTenant(ctx, tenants.Tenant{ID: args[0], Name: name}, id)
				if err != nil {
					return err
				}
				return opts.print(t, func(w io.Writer) { fmt.Fprintf(w, "tenant %s %s\n", t.ID, t.Status) })
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "display name")
	register.Flags().StringVar(&corr, "correlation-id", "", "correlation id (generated when empty)")

	var owner, resCorr string
	resource := &cobra.Command{
		Use:   "resource RESOURCE_ID",
		Short: "Record the tenant that owns a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := correlationID(resCorr)
			if err != nil {
				return err
			}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				r, err := k.RegisterResource(ctx, owner, args[0], id)
				if err != nil {
					return err
				}
				return opts.print(r, func(w io.Writer) { fmt.Fprintf(w, "resource %s owned by %s\n", r.ResourceID, r.TenantID) })
			})
		},
	}
	resource.Flags().StringVar(&owner, "tenant", "", "owning tenant id")
	resource.Flags().StringVar(&resCorr, "correlation-id", "", "correlation id (generated when empty)")
	_ = resource.MarkFlagRequired("tenant")

	cmd.AddCommand(register, resource)
	return cmd
}

func newPrincipalCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage principals in a tenant's credential store",
	}

	var (
		p       authz.Principal
		allowed []string
		corr    string
	)
	register := &cobra.Command{
		Use:   "register PRINCIPAL_ID",
		Short: "Register or replace a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			p.AllowedActions = p.AllowedActions[:0]
			for _, a := range allowed {
				at := contracts.ActionType(a)
				if !at.Known() {
					return fmt.Errorf("unknown action type %q", a)
				}
				p.AllowedActions = append(p.AllowedActions, at)
			}
			id, err := correlationID(corr)
			if err != nil {
				return err
			}
			return opts.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				out, err := k.RegisterPrincipal(ctx, p, id)
				if err != nil {
					return err
				}
				return opts.print(out, func(w io.Writer) {
					fmt.Fprintf(w, "principal %s in %s allowed=%v disabled=%t\n", out.ID, out.TenantID, out.AllowedActions, out.Disabled)
				})
			})
		},
	}
	register.Flags().StringVar(&p.TenantID, "tenant", "", "tenant id")
	register.Flags().StringSliceVar(&p.Roles, "role", nil, "role (repeatable)")
	register.Flags().StringSliceVar(&allowed, "allow", nil, "allowed action type (repeatable)")
	register.Flags().BoolVar(&p.Disabled, "disabled", false, "register the principal disabled")
	register.Flags().StringVar(&corr, "correlation-id", "", "correlation id (generated when empty)")
	_ = register.MarkFlagRequired("tenant")

	cmd.AddCommand(register)
	return cmd
}
