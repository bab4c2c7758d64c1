package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/pkg/config"
	"github.com/terrane-io/terrane/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace configuration",
		Long: `Parse the CUE sources, validate every declaration, and build the
dependency graph. Validation catches malformed declarations, dangling
references, and dependency cycles without touching state.`,
		Example: `  # Validate the current directory
  terrane validate

  # Validate specific files
  terrane validate -c main.cue -c types.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, configSources)
			if err != nil {
				return err
			}

			if len(parsed.Errors) > 0 {
				if jsonOutput {
					data, _ := json.MarshalIndent(parsed.Errors, "", "  ")
					fmt.Println(string(data))
				} else {
					for _, e := range parsed.Errors {
						loc := e.File
						if e.Line > 0 {
							loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
						}
						if e.Path != "" {
							loc = e.Path
						}
						fmt.Printf("  %s: %s\n", loc, e.Message)
					}
				}
				return fmt.Errorf("workspace has %d validation errors", len(parsed.Errors))
			}

			graph, err := engine.BuildGraph(parsed.Declarations())
			if err != nil {
				return err
			}

			fmt.Printf("Workspace %q is valid: %d resources, %d types, %d files\n",
				parsed.Workspace.Name, graph.Len(), len(parsed.Types), len(parsed.SourceFiles))
			return nil
		},
	}

	return cmd
}
