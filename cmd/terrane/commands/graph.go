package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the execution schedule as Graphviz DOT",
		Long: `Compute the plan and render its execution schedule as a DOT graph.
Batches become subgraph clusters and edges show scheduling order, so
the output visualizes exactly what would run in parallel.`,
		Example: `  # Print the DOT graph
  terrane graph

  # Render it with Graphviz
  terrane graph -o plan.dot && dot -Tsvg plan.dot -o plan.svg`,
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
			batches, err := engine.Schedule(plan)
			if err != nil {
				return err
			}

			dot := engine.ToDOT(batches)
			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
				return nil
			}
			fmt.Print(dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the DOT graph to a file")

	return cmd
}
