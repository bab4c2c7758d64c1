package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configSources []string
	statePath     string
	verbose       bool
	jsonOutput    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terrane",
		Short: "Terrane - declarative resource reconciler",
		Long: `Terrane reconciles declared resources against recorded state.

A workspace of CUE files declares resources and their attributes;
"ref://" strings reference other resources' outputs and become
dependency edges. Terrane diffs the declarations against its state
database, produces a deterministic plan, gates the plan with Rego
policies, and applies it in parallel batches with retries, replace
orchestration, and a full audit trail.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configSources, "config", "c", []string{"."}, "CUE config files or directories")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (overrides workspace.statePath)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
