package engine

import (
	"context"
	"strings"
	"testing"
)

func batchIndex(t *testing.T, batches []ExecutionBatch, id string) int {
	t.Helper()
	for _, batch := range batches {
		for _, op := range batch.Operations {
			if op.ID == id {
				return batch.Level
			}
		}
	}
	t.Fatalf("operation %s not scheduled", id)
	return -1
}

func TestSchedule_ParallelBatches(t *testing.T) {
	store := newMemStore()
	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "base"},
		{Type: "static.Item", Name: "left", Attributes: map[string]any{
			"src": "ref://static.Item.base/id",
		}},
		{Type: "static.Item", Name: "right", Attributes: map[string]any{
			"src": "ref://static.Item.base/id",
		}},
		{Type: "static.Item", Name: "top", Attributes: map[string]any{
			"l": "ref://static.Item.left/id",
			"r": "ref://static.Item.right/id",
		}},
	})

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}

	if batchIndex(t, batches, "create:static.Item.base") != 0 {
		t.Error("base should run in batch 0")
	}
	if batchIndex(t, batches, "create:static.Item.left") != 1 ||
		batchIndex(t, batches, "create:static.Item.right") != 1 {
		t.Error("left and right should run together in batch 1")
	}
	if batchIndex(t, batches, "create:static.Item.top") != 2 {
		t.Error("top should run in batch 2")
	}

	// Within a batch, declaration order is the tie-break.
	if batches[1].Operations[0].Op.Address != "static.Item.left" {
		t.Errorf("Batch 1 order = %s first, want left", batches[1].Operations[0].Op.Address)
	}
}

func TestSchedule_NoOpsExcluded(t *testing.T) {
	store := newMemStore()
	attrs := map[string]any{"n": 1}
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address: "static.Item.same", Type: "static.Item", Attributes: attrs,
	})

	plan := planFor(t, store, NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "same", Attributes: attrs},
		{Type: "static.Item", Name: "new"},
	})

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	total := 0
	for _, batch := range batches {
		for _, op := range batch.Operations {
			total++
			if op.Op.Kind == OperationNoOp {
				t.Errorf("NoOp %s should not be scheduled", op.Op.Address)
			}
		}
	}
	if total != 1 {
		t.Errorf("Expected 1 scheduled operation, got %d", total)
	}
}

func TestSchedule_ReplaceCreateBeforeDestroy(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.group",
		Type:       "static.Item",
		Attributes: map[string]any{"zone": "a"},
	})
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.listener",
		Type:       "static.Item",
		Attributes: map[string]any{"target": "ref://static.Item.group/id"},
	})

	types := NewTypeRegistry()
	_ = types.Register(TypeDescriptor{
		Type:                 "static.Item",
		ImmutableAttributes:  []string{"zone"},
		ExternallyReferenced: true,
	})

	// The listener depends on the replaced group and must repoint before
	// the old group dies. Its own attributes change so it plans an update.
	plan := planFor(t, store, types, []Declaration{
		{Type: "static.Item", Name: "group", Attributes: map[string]any{"zone": "b"}},
		{Type: "static.Item", Name: "listener", Attributes: map[string]any{
			"target": "ref://static.Item.group/id",
			"port":   443,
		}},
	})

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	createNew := batchIndex(t, batches, "create-new:static.Item.group")
	update := batchIndex(t, batches, "update:static.Item.listener")
	destroyOld := batchIndex(t, batches, "destroy-old:static.Item.group")

	if !(createNew < update && update < destroyOld) {
		t.Errorf("Order = create-new:%d update:%d destroy-old:%d, want create-new < update < destroy-old",
			createNew, update, destroyOld)
	}
}

func TestSchedule_ReplaceDestroyBeforeCreate(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address:    "static.Item.db",
		Type:       "static.Item",
		Attributes: map[string]any{"engine_version": "14"},
	})

	types := NewTypeRegistry()
	_ = types.Register(TypeDescriptor{
		Type:                "static.Item",
		ImmutableAttributes: []string{"engine_version"},
		ReplacePolicy:       ReplaceDestroyBeforeCreate,
	})

	plan := planFor(t, store, types, []Declaration{
		{Type: "static.Item", Name: "db", Attributes: map[string]any{"engine_version": "15"}},
	})

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	destroyOld := batchIndex(t, batches, "destroy-old:static.Item.db")
	createNew := batchIndex(t, batches, "create-new:static.Item.db")
	if destroyOld >= createNew {
		t.Errorf("destroy-old:%d should precede create-new:%d", destroyOld, createNew)
	}
}

func TestSchedule_DestroysInReverseDependencyOrder(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address: "static.Item.network", Type: "static.Item",
	})
	_ = store.UpsertRecord(context.Background(), &StateRecord{
		Address: "static.Item.server", Type: "static.Item",
		Dependencies: []string{"static.Item.network"},
	})

	plan := planFor(t, store, NewTypeRegistry(), nil)

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	server := batchIndex(t, batches, "destroy:static.Item.server")
	network := batchIndex(t, batches, "destroy:static.Item.network")
	if server >= network {
		t.Errorf("server destroy (batch %d) should precede network destroy (batch %d)", server, network)
	}
}

func TestSchedule_Deterministic(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "c"},
		{Type: "static.Item", Name: "a"},
		{Type: "static.Item", Name: "b"},
	}

	first := ""
	for i := 0; i < 10; i++ {
		plan := planFor(t, newMemStore(), NewTypeRegistry(), decls)
		batches, err := Schedule(plan)
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		rendered := ToDOT(batches)
		if first == "" {
			first = rendered
		} else if rendered != first {
			t.Fatal("Schedule output differs across identical inputs")
		}
	}
}

func TestToDOT(t *testing.T) {
	plan := planFor(t, newMemStore(), NewTypeRegistry(), []Declaration{
		{Type: "static.Item", Name: "base"},
		{Type: "static.Item", Name: "child", DependsOn: []string{"static.Item.base"}},
	})

	batches, err := Schedule(plan)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	dot := ToDOT(batches)
	for _, want := range []string{
		"digraph Schedule",
		"cluster_batch_0",
		"cluster_batch_1",
		`"create:static.Item.base" -> "create:static.Item.child"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
