package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Scheduler expands a plan into execution batches. Replace operations split
// into their create-new / destroy-old suboperations here, ordered by the
// type's replace policy; everything else maps one-to-one. Noop operations
// appear in the plan but are never scheduled.
type Scheduler struct {
	ops     map[string]*ScheduledOperation
	edges   map[string][]string // op ID -> dependent op IDs
	degree  map[string]int      // incoming edge count
	ordered []string            // op IDs in insertion order
}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		ops:    make(map[string]*ScheduledOperation),
		edges:  make(map[string][]string),
		degree: make(map[string]int),
	}
}

// Schedule expands the plan into batches using a fresh Scheduler.
func Schedule(plan *Plan) ([]ExecutionBatch, error) {
	return NewScheduler().Build(plan)
}

// scheduledID derives the deterministic ID of a scheduled operation.
func scheduledID(op *PlanOperation, phase ReplacePhase) string {
	if phase != "" {
		return string(phase) + ":" + op.Address
	}
	return string(op.Kind) + ":" + op.Address
}

// Build expands plan operations into scheduled operations, wires the
// ordering edges, and computes parallel levels. The scheduler is
// single-use.
func (s *Scheduler) Build(plan *Plan) ([]ExecutionBatch, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	graph := plan.Graph()

	// First pass: expand operations.
	for _, op := range plan.Operations {
		switch op.Kind {
		case OperationNoOp:
			continue
		case OperationReplace:
			s.add(op, PhaseCreateNew)
			s.add(op, PhaseDestroyOld)
		default:
			s.add(op, "")
		}
	}

	// Second pass: ordering edges.
	for _, op := range plan.Operations {
		switch op.Kind {
		case OperationNoOp:
			continue
		case OperationDestroy:
			s.linkDestroy(op)
		default:
			s.linkForward(graph, op)
			if op.Kind == OperationReplace {
				s.linkReplace(graph, op)
			}
		}
	}

	batches, err := s.levels()
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// add registers one scheduled operation.
func (s *Scheduler) add(op *PlanOperation, phase ReplacePhase) {
	id := scheduledID(op, phase)
	s.ops[id] = &ScheduledOperation{ID: id, Op: op, Phase: phase}
	s.edges[id] = nil
	s.degree[id] = 0
	s.ordered = append(s.ordered, id)
}

// depEntryID returns the scheduled ID that satisfies a dependency on the
// given address, or empty when the address has no scheduled work (noop or
// undeclared). A dependency on a replaced resource points at create-new.
func (s *Scheduler) depEntryID(addr string) string {
	for _, candidate := range []string{
		string(PhaseCreateNew) + ":" + addr,
		string(OperationCreate) + ":" + addr,
		string(OperationUpdate) + ":" + addr,
	} {
		if _, ok := s.ops[candidate]; ok {
			return candidate
		}
	}
	return ""
}

// link adds an edge: from must succeed before to starts.
func (s *Scheduler) link(from, to string) {
	for _, existing := range s.ops[to].DependsOn {
		if existing == from {
			return
		}
	}
	s.ops[to].DependsOn = append(s.ops[to].DependsOn, from)
	s.edges[from] = append(s.edges[from], to)
	s.degree[to]++
}

// linkForward orders a declared operation after the operations of its
// graph dependencies.
func (s *Scheduler) linkForward(graph *Graph, op *PlanOperation) {
	to := scheduledID(op, "")
	if op.Kind == OperationReplace {
		to = scheduledID(op, PhaseCreateNew)
	}
	for _, dep := range graph.Dependencies(op.Address) {
		if from := s.depEntryID(dep); from != "" {
			s.link(from, to)
		}
	}
}

// linkReplace wires the two suboperations of a replace per its policy.
func (s *Scheduler) linkReplace(graph *Graph, op *PlanOperation) {
	createNew := scheduledID(op, PhaseCreateNew)
	destroyOld := scheduledID(op, PhaseDestroyOld)

	switch op.Policy {
	case ReplaceDestroyBeforeCreate:
		s.link(destroyOld, createNew)
	default:
		// Create-before-destroy: the old instance lives until every
		// dependent has repointed at the new one.
		s.link(createNew, destroyOld)
		for _, dependent := range graph.Dependents(op.Address) {
			for _, phase := range []string{
				string(OperationUpdate) + ":" + dependent,
				string(OperationCreate) + ":" + dependent,
				string(PhaseCreateNew) + ":" + dependent,
			} {
				if _, ok := s.ops[phase]; ok {
					s.link(phase, destroyOld)
				}
			}
		}
	}
}

// linkDestroy orders destroys of undeclared resources in reverse recorded
// dependency order: destroying N waits for the destroys of resources that
// depended on N.
func (s *Scheduler) linkDestroy(op *PlanOperation) {
	to := scheduledID(op, "")
	for id, other := range s.ops {
		if other.Op.Kind != OperationDestroy || other.Op == op || other.Phase != "" {
			continue
		}
		for _, dep := range other.Op.Dependencies {
			if dep == op.Address {
				s.link(id, to)
			}
		}
	}
}

// levels computes parallel batches with Kahn's algorithm. Operations at the
// same level have no dependency relation; levels run strictly in sequence.
func (s *Scheduler) levels() ([]ExecutionBatch, error) {
	degree := make(map[string]int, len(s.degree))
	for id, d := range s.degree {
		degree[id] = d
	}

	var current []string
	for _, id := range s.ordered {
		if degree[id] == 0 {
			current = append(current, id)
		}
	}

	var batches []ExecutionBatch
	processed := 0
	for len(current) > 0 {
		s.sortBatch(current)

		batch := ExecutionBatch{Level: len(batches)}
		for _, id := range current {
			batch.Operations = append(batch.Operations, s.ops[id])
		}
		batches = append(batches, batch)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range s.edges[id] {
				degree[dependent]--
				if degree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// The plan derives from an acyclic graph, so this only trips on a
	// scheduler bug (e.g., contradictory replace edges).
	if processed != len(s.ops) {
		return nil, NewPermanentError(
			fmt.Sprintf("schedule incomplete: %d of %d operations placed", processed, len(s.ops)),
			nil).WithCode(ErrCodeInternal)
	}
	return batches, nil
}

// sortBatch orders a batch by declaration index, then by ID for the
// replace suboperations that share an index.
func (s *Scheduler) sortBatch(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.ops[ids[i]], s.ops[ids[j]]
		if a.Op.Index != b.Op.Index {
			return a.Op.Index < b.Op.Index
		}
		return a.ID < b.ID
	})
}

// ToDOT renders scheduled batches in DOT format for Graphviz.
func ToDOT(batches []ExecutionBatch) string {
	var sb strings.Builder

	sb.WriteString("digraph Schedule {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, batch := range batches {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_batch_%d {\n", batch.Level))
		sb.WriteString(fmt.Sprintf("    label=\"Batch %d\";\n", batch.Level))
		sb.WriteString("    style=dashed;\n")
		for _, op := range batch.Operations {
			label := fmt.Sprintf("%s\\n%s", op.Op.Address, op.Kind())
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				op.ID, label, operationColor(op.Kind())))
		}
		sb.WriteString("  }\n\n")
	}

	for _, batch := range batches {
		for _, op := range batch.Operations {
			for _, dep := range op.DependsOn {
				sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, op.ID))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// operationColor returns a fill color for visualizing operation kinds.
func operationColor(kind OperationKind) string {
	switch kind {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDestroy:
		return "lightcoral"
	default:
		return "white"
	}
}
