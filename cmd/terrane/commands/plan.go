package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile   string
		outFormat string
		dotFile   string
		refresh   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what an apply would change",
		Long: `Compute the plan that reconciles recorded state to the declared
resources. Plans are deterministic: the same declarations against the
same state always serialize identically, so plan output can be diffed
and reviewed.`,
		Example: `  # Show the plan
  terrane plan

  # Write the plan as JSON
  terrane plan --out plan.json

  # Write the plan as YAML and the schedule as a Graphviz file
  terrane plan --out plan.yaml --format yaml --dot plan.dot`,
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

			if refresh {
				providers, err := providerRegistry()
				if err != nil {
					return err
				}
				if err := refreshState(ctx, store, providers); err != nil {
					return err
				}
			}

			plan, err := computePlan(ctx, store, parsed, false)
			if err != nil {
				return err
			}

			if dotFile != "" {
				batches, err := engine.Schedule(plan)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(engine.ToDOT(batches)), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
			}

			if outFile != "" {
				data, err := marshalPlan(plan, outFormat)
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
			}

			if jsonOutput {
				data, err := marshalPlan(plan, "json")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printPlanSummary(plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan to a file")
	cmd.Flags().StringVar(&outFormat, "format", "json", "plan file format (json, yaml)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the execution schedule as a Graphviz file")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read remote state before diffing")

	return cmd
}

func marshalPlan(plan *engine.Plan, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(plan, "", "  ")
	case "yaml":
		return yaml.Marshal(plan)
	default:
		return nil, fmt.Errorf("unsupported plan format: %s", format)
	}
}
