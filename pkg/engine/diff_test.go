package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func planFor(t *testing.T, store StateStore, types *TypeRegistry, decls []Declaration) *Plan {
	t.Helper()
	graph, err := BuildGraph(decls)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	plan, err := NewDiffer(store, types).Plan(context.Background(), graph)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func TestDiffer_CreateForNewResource(t *testing.T) {
	store := newMemStore()
	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{"size": 1}},
	})

	if len(plan.Operations) != 1 {
		t.Fatalf("Expected 1 operation, got %d", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Kind != OperationCreate {
		t.Errorf("Kind = %s, want create", op.Kind)
	}
	if plan.Summary.Create != 1 {
		t.Errorf("Summary.Create = %d, want 1", plan.Summary.Create)
	}
}

func TestDiffer_NoOpForUnchangedResource(t *testing.T) {
	store := newMemStore()
	attrs := map[string]any{"size": 1, "tags": map[string]any{"env": "dev"}}
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.a",
		Type:       "static.Item",
		ProviderID: "a-1",
		Attributes: attrs,
	})

	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "a", Attributes: attrs},
	})

	if plan.Operations[0].Kind != OperationNoOp {
		t.Errorf("Kind = %s, want noop", plan.Operations[0].Kind)
	}
	if plan.Changes() {
		t.Error("Expected no changes")
	}
}

func TestDiffer_NumericNormalization(t *testing.T) {
	store := newMemStore()
	// Records round-trip through JSON, so ints come back as float64.
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.a",
		Type:       "static.Item",
		Attributes: map[string]any{"size": float64(3)},
	})

	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{"size": 3}},
	})

	if plan.Operations[0].Kind != OperationNoOp {
		t.Errorf("Kind = %s, want noop (int vs float64 should compare equal)", plan.Operations[0].Kind)
	}
}

func TestDiffer_UpdateForMutableChange(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.a",
		Type:       "static.Item",
		Attributes: map[string]any{"size": 1, "color": "red"},
	})

	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{"size": 2, "shape": "round"}},
	})

	op := plan.Operations[0]
	if op.Kind != OperationUpdate {
		t.Fatalf("Kind = %s, want update", op.Kind)
	}
	if op.Diff["size"] == nil || op.Diff["size"].Action != "modify" {
		t.Errorf("Expected size modify diff, got %+v", op.Diff["size"])
	}
	if op.Diff["shape"] == nil || op.Diff["shape"].Action != "add" {
		t.Errorf("Expected shape add diff, got %+v", op.Diff["shape"])
	}
	if op.Diff["color"] == nil || op.Diff["color"].Action != "remove" {
		t.Errorf("Expected color remove diff, got %+v", op.Diff["color"])
	}
}

func TestDiffer_ReplaceForImmutableChange(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.a",
		Type:       "static.Item",
		Attributes: map[string]any{"zone": "us-east-1a"},
	})

	types := NewTypeRegistry()
	_ = types.Register(TypeDescriptor{
		Type:                "static.Item",
		ImmutableAttributes: []string{"zone"},
	})

	plan := planFor(t, store, types, []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{"zone": "us-east-1b"}},
	})

	op := plan.Operations[0]
	if op.Kind != OperationReplace {
		t.Fatalf("Kind = %s, want replace", op.Kind)
	}
	if op.Policy != ReplaceDestroyBeforeCreate {
		t.Errorf("Policy = %s, want destroy-before-create default", op.Policy)
	}
	if !op.Diff["zone"].ForcesReplacement {
		t.Error("Expected zone diff to force replacement")
	}
}

func TestDiffer_ReplacePolicyFromDescriptor(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.a",
		Type:       "static.Item",
		Attributes: map[string]any{"zone": "a"},
	})

	types := NewTypeRegistry()
	_ = types.Register(TypeDescriptor{
		Type:                 "static.Item",
		ImmutableAttributes:  []string{"zone"},
		ExternallyReferenced: true,
	})

	plan := planFor(t, store, types, []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{"zone": "b"}},
	})

	if plan.Operations[0].Policy != ReplaceCreateBeforeDestroy {
		t.Errorf("Policy = %s, want create-before-destroy for externally referenced type",
			plan.Operations[0].Policy)
	}
}

func TestDiffer_DestroyForUndeclaredState(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:      "static.Item.gone",
		Type:         "static.Item",
		Dependencies: []string{"static.Item.kept"},
		Labels:       map[string]string{"protected": "true"},
	})
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address: "static.Item.kept",
		Type:    "static.Item",
	})

	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "kept"},
	})

	if len(plan.Operations) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(plan.Operations))
	}

	destroy := plan.Operations[1]
	if destroy.Kind != OperationDestroy || destroy.Address != "static.Item.gone" {
		t.Fatalf("Expected destroy of static.Item.gone, got %s %s", destroy.Kind, destroy.Address)
	}
	// Recorded dependencies and labels ride along for scheduling and policy.
	if len(destroy.Dependencies) != 1 || destroy.Dependencies[0] != "static.Item.kept" {
		t.Errorf("Dependencies = %v, want [static.Item.kept]", destroy.Dependencies)
	}
	if destroy.Labels["protected"] != "true" {
		t.Errorf("Labels = %v, want protected=true carried from state", destroy.Labels)
	}
	if destroy.Index != 1 {
		t.Errorf("Destroy index = %d, want 1 (past declared resources)", destroy.Index)
	}
}

func TestDiffer_Deterministic(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "b", Attributes: map[string]any{"n": 2}},
		{Type: "static.Item", Name: "a", Attributes: map[string]any{
			"peer": "ref://static.Item.b/id",
		}},
	}

	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{Address: "static.Item.z1", Type: "static.Item"})
	_ = store.UpsertRecord(context.Background(), &StateRecord{Address: "static.Item.z2", Type: "static.Item"})

	first, err := json.Marshal(planFor(t, store, NewTypeRegistry(), decls))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := json.Marshal(planFor(t, store, NewTypeRegistry(), decls))
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(first) != string(next) {
			t.Fatalf("Plan serialization differs across runs:\n%s\n%s", first, next)
		}
	}

	// Declared operations keep declaration order; destroys follow by address.
	plan := planFor(t, store, NewTypeRegistry(), decls)
	wantOrder := []string{"static.Item.b", "static.Item.a", "static.Item.z1", "static.Item.z2"}
	for i, addr := range wantOrder {
		if plan.Operations[i].Address != addr {
			t.Errorf("Operation %d = %s, want %s", i, plan.Operations[i].Address, addr)
		}
	}
}
