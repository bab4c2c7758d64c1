package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy all recorded resources",
		Long: `Plan and execute the destruction of every resource in the state
database. Destroys run in reverse dependency order: a resource is
removed only after everything that depended on it is gone. Policies
still gate the plan, so protected resources block the destroy.`,
		Example: `  # Preview and confirm the destroy
  terrane destroy

  # Destroy without the approval prompt
  terrane destroy --auto-approve`,
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

			plan, err := computePlan(ctx, store, parsed, true)
			if err != nil {
				return err
			}
			printPlanSummary(plan)
			if !plan.Changes() {
				fmt.Println("\nNothing to destroy.")
				return nil
			}

			if err := gatePlan(cmd, plan, parsed.Workspace.Name, policyPaths); err != nil {
				return err
			}

			if !autoApprove {
				if !confirm("Destroy all resources above?") {
					fmt.Println("Destroy aborted.")
					return nil
				}
			}

			executor, err := newExecutor(store, parsed, nil, log.Logger)
			if err != nil {
				return err
			}

			result, err := executor.Apply(ctx, plan)
			if err != nil {
				return err
			}
			printApplyResult(result)

			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("destroy finished with status %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")

	return cmd
}
