package engine

import (
	"context"
	"fmt"
	"reflect"
)

// Differ compares a declared graph against the state store and produces a
// deterministic plan. Identical (graph, store) inputs yield byte-identical
// serialized plans: operations are ordered by declaration index, then
// destroys of undeclared resources by address, and plans carry no
// timestamps or random IDs.
type Differ struct {
	store StateStore
	types *TypeRegistry
}

// NewDiffer creates a differ over the given store and type registry.
func NewDiffer(store StateStore, types *TypeRegistry) *Differ {
	return &Differ{store: store, types: types}
}

// Plan computes the operations that reconcile the store to the graph.
// Every declared resource yields exactly one operation (noops included);
// every stateful resource absent from the graph yields a destroy.
func (d *Differ) Plan(ctx context.Context, graph *Graph) (*Plan, error) {
	if graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	records, err := d.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	recordMap := make(map[string]*StateRecord, len(records))
	for _, rec := range records {
		recordMap[rec.Address] = rec
	}

	plan := &Plan{graph: graph}

	for _, node := range graph.Nodes() {
		op := d.diffNode(node, recordMap[node.Address])
		plan.Operations = append(plan.Operations, op)
	}

	// Resources with state but no declaration are destroyed. They sort
	// after declared operations, by address.
	nextIndex := graph.Len()
	for _, addr := range sortedAddresses(recordMap) {
		if graph.Node(addr) != nil {
			continue
		}
		rec := recordMap[addr]
		plan.Operations = append(plan.Operations, &PlanOperation{
			Kind:         OperationDestroy,
			Address:      addr,
			Index:        nextIndex,
			Labels:       rec.Labels,
			Dependencies: rec.Dependencies,
			Diff: map[string]*AttributeDiff{
				".": {Before: rec.Attributes, Action: "remove"},
			},
		})
		nextIndex++
	}

	for _, op := range plan.Operations {
		switch op.Kind {
		case OperationCreate:
			plan.Summary.Create++
		case OperationUpdate:
			plan.Summary.Update++
		case OperationReplace:
			plan.Summary.Replace++
		case OperationDestroy:
			plan.Summary.Destroy++
		case OperationNoOp:
			plan.Summary.NoOp++
		}
	}

	return plan, nil
}

// diffNode classifies the change for one declared resource.
func (d *Differ) diffNode(node *ResourceNode, rec *StateRecord) *PlanOperation {
	op := &PlanOperation{
		Address: node.Address,
		Index:   node.Index,
		Labels:  node.Labels,
	}

	if rec == nil {
		op.Kind = OperationCreate
		op.Diff = map[string]*AttributeDiff{
			".": {After: node.Attributes, Action: "add"},
		}
		return op
	}

	diff := diffAttributes(rec.Attributes, node.Attributes, d.types.Lookup(node.Type))
	if len(diff) == 0 {
		op.Kind = OperationNoOp
		return op
	}

	op.Diff = diff
	op.Kind = OperationUpdate
	for _, ad := range diff {
		if ad.ForcesReplacement {
			op.Kind = OperationReplace
			op.Policy = d.types.Lookup(node.Type).EffectiveReplacePolicy()
			break
		}
	}
	return op
}

// diffAttributes compares last-applied attributes against declared ones,
// both with references unresolved, so reference churn in dependencies does
// not force spurious updates.
func diffAttributes(before, after map[string]any, desc TypeDescriptor) map[string]*AttributeDiff {
	diff := make(map[string]*AttributeDiff)

	for _, key := range sortedAddresses(after) {
		afterVal := after[key]
		beforeVal, existed := before[key]
		if !existed {
			diff[key] = &AttributeDiff{
				After:             afterVal,
				Action:            "add",
				ForcesReplacement: desc.IsImmutable(key),
			}
			continue
		}
		if !deepEqual(beforeVal, afterVal) {
			diff[key] = &AttributeDiff{
				Before:            beforeVal,
				After:             afterVal,
				Action:            "modify",
				ForcesReplacement: desc.IsImmutable(key),
			}
		}
	}

	for _, key := range sortedAddresses(before) {
		if _, declared := after[key]; !declared {
			diff[key] = &AttributeDiff{
				Before:            before[key],
				Action:            "remove",
				ForcesReplacement: desc.IsImmutable(key),
			}
		}
	}

	if len(diff) == 0 {
		return nil
	}
	return diff
}

// deepEqual compares attribute values structurally. Numeric values are
// normalized to float64 first because records round-trip through JSON.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
