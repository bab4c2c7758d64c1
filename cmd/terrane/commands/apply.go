package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/policy"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove bool
		policyPaths []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the plan to reconcile state",
		Long: `Compute the plan, gate it with policies, and execute it.

Operations run in parallel batches ordered by dependencies. Transient
provider errors retry with backoff, failed dependencies cascade into
skips, and every operation lands in the audit trail. Interrupting an
apply finishes the in-flight batch and marks the rest cancelled; there
is no rollback.`,
		Example: `  # Plan, confirm, and apply
  terrane apply

  # Apply without the approval prompt
  terrane apply --auto-approve

  # Apply with custom Rego policies and a metrics endpoint
  terrane apply --policy policies/ --metrics-addr :9090`,
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
			printPlanSummary(plan)
			if !plan.Changes() {
				fmt.Println("\nNothing to do.")
				return nil
			}

			if err := gatePlan(cmd, plan, parsed.Workspace.Name, policyPaths); err != nil {
				return err
			}

			if !autoApprove {
				if !confirm("Apply these changes?") {
					fmt.Println("Apply aborted.")
					return nil
				}
			}

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       metricsAddr != "",
				ListenAddress: metricsAddr,
				Namespace:     "terrane",
			})
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(); err != nil {
						log.Error().Err(err).Msg("Metrics endpoint failed")
					}
				}()
			}

			executor, err := newExecutor(store, parsed, metrics, log.Logger)
			if err != nil {
				return err
			}

			result, err := executor.Apply(ctx, plan)
			if err != nil {
				return err
			}
			printApplyResult(result)

			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("apply finished with status %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the apply")

	return cmd
}

// gatePlan evaluates policies against the plan and blocks on violations
// with error or critical severity.
func gatePlan(cmd *cobra.Command, plan *engine.Plan, workspace string, policyPaths []string) error {
	gate, err := policy.NewEngine(log.Logger)
	if err != nil {
		return err
	}
	if len(policyPaths) > 0 {
		if err := gate.LoadPaths(cmd.Context(), policyPaths); err != nil {
			return err
		}
	}

	result, err := gate.EvaluatePlan(cmd.Context(), plan, workspace)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		event := log.Warn()
		if v.Severity.Blocks() {
			event = log.Error()
		}
		event.Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("resource", v.Resource).
			Msg(v.Message)
	}
	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}

	if !result.Allowed {
		return fmt.Errorf("plan blocked by policy: %d violations", len(result.Violations))
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("\n%s Only 'yes' is accepted: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}

func printApplyResult(result *engine.ApplyResult) {
	fmt.Println()
	for _, op := range result.Operations {
		line := fmt.Sprintf("  %s %s", op.Address, op.Kind)
		if op.Phase != "" {
			line += fmt.Sprintf(" (%s)", op.Phase)
		}
		switch op.Status {
		case engine.OperationStatusSucceeded:
			fmt.Printf("%s: ok (%s)\n", line, op.Duration.Round(time.Millisecond))
		case engine.OperationStatusFailed:
			fmt.Printf("%s: FAILED after %d attempts: %s\n", line, op.Attempts, op.Error)
		case engine.OperationStatusSkipped:
			fmt.Printf("%s: skipped: %s\n", line, op.Error)
		case engine.OperationStatusCancelled:
			fmt.Printf("%s: cancelled\n", line)
		}
	}

	succeeded, failed, skipped, cancelled := result.Counts()
	fmt.Printf("\nRun %s finished with status %s: %d succeeded, %d failed, %d skipped, %d cancelled\n",
		result.RunID, result.Status, succeeded, failed, skipped, cancelled)
}
