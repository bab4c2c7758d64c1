package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/terrane-io/terrane/pkg/config"
	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/providers/static"
	"github.com/terrane-io/terrane/pkg/stores"
)

// loadWorkspace parses the configured CUE sources and fails on any parse
// or validation error.
func loadWorkspace(ctx context.Context) (*config.ParsedConfig, error) {
	parser := config.NewCUEParser()
	parsed, err := parser.Parse(ctx, configSources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		for _, e := range parsed.Errors {
			log.Error().
				Str("file", e.File).
				Str("path", e.Path).
				Int("line", e.Line).
				Msg(e.Message)
		}
		return nil, fmt.Errorf("workspace has %d validation errors", len(parsed.Errors))
	}
	return parsed, nil
}

// openStore opens and migrates the state database. The --state flag wins
// over workspace.statePath; the fallback is terrane.db in the working
// directory.
func openStore(ctx context.Context, parsed *config.ParsedConfig) (*stores.SQLiteStore, error) {
	path := statePath
	if path == "" {
		path = parsed.Workspace.StatePath
	}
	if path == "" {
		path = "terrane.db"
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return store, nil
}

// typeRegistry registers the workspace's type descriptors.
func typeRegistry(parsed *config.ParsedConfig) (*engine.TypeRegistry, error) {
	registry := engine.NewTypeRegistry()
	for _, desc := range parsed.TypeDescriptors() {
		if err := registry.Register(desc); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// providerRegistry builds the provider registry. The static provider
// serves every "static.*" type; additional providers register by type
// prefix as they are added.
func providerRegistry() (*engine.ProviderRegistry, error) {
	registry := engine.NewProviderRegistry()
	if err := registry.Register("static", static.New("static", static.WithIdempotencyTokens())); err != nil {
		return nil, err
	}
	return registry, nil
}

// computePlan builds the graph and diffs it against the store. With
// destroy set, an empty graph is used so every recorded resource plans a
// destroy.
func computePlan(ctx context.Context, store *stores.SQLiteStore, parsed *config.ParsedConfig, destroy bool) (*engine.Plan, error) {
	decls := parsed.Declarations()
	if destroy {
		decls = nil
	}

	graph, err := engine.BuildGraph(decls)
	if err != nil {
		return nil, err
	}

	types, err := typeRegistry(parsed)
	if err != nil {
		return nil, err
	}

	return engine.NewDiffer(store, types).Plan(ctx, graph)
}

// refreshState re-reads every recorded resource from its provider so the
// diff sees drift. Records whose remote resource is gone are dropped, so
// the next plan recreates them.
func refreshState(ctx context.Context, store *stores.SQLiteStore, providers *engine.ProviderRegistry) error {
	records, err := store.ListRecords(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		provider, err := providers.Resolve(rec.Type)
		if err != nil {
			log.Warn().Str("address", rec.Address).Err(err).Msg("skipping refresh, no provider")
			continue
		}

		resp, err := provider.Read(ctx, engine.ReadRequest{
			Type:       rec.Type,
			ProviderID: rec.ProviderID,
		})
		if err != nil {
			return fmt.Errorf("failed to refresh %s: %w", rec.Address, err)
		}

		if resp.Resource == nil {
			log.Info().Str("address", rec.Address).Msg("resource gone remotely, dropping record")
			if err := store.DeleteRecord(ctx, rec.Address); err != nil {
				return err
			}
			continue
		}

		rec.Attributes = resp.Resource.Attributes
		rec.Outputs = resp.Resource.Outputs
		if err := store.UpsertRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// newExecutor wires an executor from workspace engine settings.
func newExecutor(store *stores.SQLiteStore, parsed *config.ParsedConfig, metrics engine.MetricsSink, logger zerolog.Logger) (*engine.Executor, error) {
	providers, err := providerRegistry()
	if err != nil {
		return nil, err
	}
	settings := parsed.EngineSettingsOrDefault()
	return engine.NewExecutor(store, store, providers, engine.ExecutorOptions{
		MaxParallel: settings.Parallelism,
		Retry: engine.RetryPolicy{
			MaxAttempts:    settings.MaxAttempts,
			InitialBackoff: settings.InitialBackoff,
			MaxBackoff:     settings.MaxBackoff,
			Multiplier:     2.0,
		},
		WaitTimeout: settings.WaitTimeout,
		LockTTL:     settings.LockTTL,
		Logger:      logger,
		Metrics:     metrics,
	}), nil
}

// printPlanSummary writes the human-readable plan listing.
func printPlanSummary(plan *engine.Plan) {
	for _, op := range plan.Operations {
		if op.Kind == engine.OperationNoOp {
			continue
		}
		marker := map[engine.OperationKind]string{
			engine.OperationCreate:  "+",
			engine.OperationUpdate:  "~",
			engine.OperationReplace: "±",
			engine.OperationDestroy: "-",
		}[op.Kind]
		fmt.Printf("  %s %s (%s", marker, op.Address, op.Kind)
		if op.Kind == engine.OperationReplace {
			fmt.Printf(", %s", op.Policy)
		}
		fmt.Println(")")

		var changed []string
		for attr := range op.Diff {
			if attr != "." {
				changed = append(changed, attr)
			}
		}
		sort.Strings(changed)
		if len(changed) > 0 {
			fmt.Printf("      changed: %s\n", strings.Join(changed, ", "))
		}
	}
	s := plan.Summary
	fmt.Printf("\nPlan: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged\n",
		s.Create, s.Update, s.Replace, s.Destroy, s.NoOp)
}
