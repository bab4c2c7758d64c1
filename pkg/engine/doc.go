// Package engine implements the core reconciliation workflow of Terrane.
//
// # Overview
//
// Terrane reconciles a set of typed resource declarations against persisted
// state through a 4-phase workflow:
//
//  1. Graph - Resolve declarations into a dependency DAG (GraphBuilder)
//  2. Diff - Compare the graph against the state store (Differ)
//  3. Schedule - Expand the plan into parallel-safe batches (Scheduler)
//  4. Apply - Execute batches against providers (Executor)
//
// # Core Domain Types
//
//   - Declaration: A desired resource as written by the operator
//   - ResourceNode / Graph: The resolved dependency DAG
//   - StateRecord: The persisted snapshot of a created resource
//   - PlanOperation / Plan: The ordered set of changes (create/update/replace/destroy/noop)
//   - ScheduledOperation / ExecutionBatch: The plan expanded for parallel execution
//   - ApplyResult: Per-operation outcomes of one apply run
//
// # References
//
// Attribute values of the form "ref://<type>.<name>/<attribute>" are symbolic
// references to another resource's output attribute. References create
// dependency edges and are resolved from state only at execution time; plans
// carry them unresolved so identical inputs yield identical plans.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts surfaced to the operator
//   - Permanent: Non-recoverable errors
//
// Use the error helper functions to classify and inspect errors:
//
//	if engine.IsRetryable(err) {
//	    // Retry the operation
//	}
//
// Concrete error types cover the structural failures: CycleError,
// UnresolvedReferenceError, LockHeldError, TimeoutError.
//
// # Example Usage
//
//	graph, err := engine.BuildGraph(decls)
//	plan, err := differ.Plan(ctx, graph)
//	batches, err := engine.Schedule(plan)
//	result, err := executor.Apply(ctx, plan)
//
// # Thread Safety
//
// Graphs and plans are immutable once built. The Executor serializes applies
// through the state store lock; a Plan is consumed by exactly one Apply.
package engine
