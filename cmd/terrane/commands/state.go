package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded state and run history",
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRemoveCommand())
	cmd.AddCommand(newStateRunsCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded resources",
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

			records, err := store.ListRecords(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, rec := range records {
				fmt.Printf("  %s (id: %s, serial: %d)\n", rec.Address, rec.ProviderID, rec.Serial)
			}
			fmt.Printf("\n%d resources recorded\n", len(records))
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show one resource record",
		Args:  cobra.ExactArgs(1),
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

			rec, err := store.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no state record for %s", args[0])
			}

			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newStateRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <address>",
		Short: "Forget a resource record without destroying it",
		Long: `Remove a resource from the state database. The remote resource is
left untouched; the next plan will schedule a create for it if it is
still declared.`,
		Args: cobra.ExactArgs(1),
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

			rec, err := store.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no state record for %s", args[0])
			}

			if err := store.DeleteRecord(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from state (remote resource %s left in place)\n",
				args[0], rec.ProviderID)
			return nil
		},
	}
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent apply runs",
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

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, run := range runs {
				completed := "running"
				if run.CompletedAt != nil {
					completed = run.CompletedAt.Sub(run.StartedAt).String()
				}
				fmt.Printf("  %s  %-10s  started %s  took %s\n",
					run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"), completed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")

	return cmd
}
