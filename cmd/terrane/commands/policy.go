package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test Rego policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyTestCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builtin and loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(policyPaths) > 0 {
				if err := gate.LoadPaths(cmd.Context(), policyPaths); err != nil {
					return err
				}
			}

			policies := gate.List()
			if jsonOutput {
				data, err := json.MarshalIndent(policies, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %-24s %-8s %-8s %s\n", p.Name, p.Severity, state, p.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")

	return cmd
}

func newPolicyTestCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate policies against the current plan",
		Long: `Compute the plan and run the policy gate without applying anything.
The exit status reflects the gate: non-zero when a blocking violation
fires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parsed, err := loadWorkspace(ctx)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, parsed)
			if err != nil {
				return err
			}
			defer store.Close()

			plan, err := computePlan(ctx, store, parsed, false)
			if err != nil {
				return err
			}

			if err := gatePlan(cmd, plan, parsed.Workspace.Name, policyPaths); err != nil {
				return err
			}
			fmt.Println("Plan passes all policies.")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")

	return cmd
}
