package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Declaration is a single desired resource as written by the operator.
// Declarations are the raw input to the graph builder; order is significant
// because it is the tie-break for otherwise equal-priority operations.
type Declaration struct {
	// Type is the resource type (e.g., "aws.ecs.Service").
	Type string `json:"type"`

	// Name is the logical name of the resource within its type.
	Name string `json:"name"`

	// Attributes is the desired attribute bag. String values of the form
	// "ref://<type>.<name>/<attribute>" are symbolic references to another
	// resource's output attribute and become dependency edges.
	Attributes map[string]any `json:"attributes"`

	// DependsOn lists explicit dependency addresses in addition to the
	// implicit edges extracted from attribute references.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}

// Address returns the unique address of the declared resource (type.name).
func (d Declaration) Address() string {
	return MakeAddress(d.Type, d.Name)
}

// MakeAddress builds a resource address from a type and logical name.
func MakeAddress(resourceType, name string) string {
	return resourceType + "." + name
}

// Reference is an attribute-level symbolic reference to another resource.
type Reference struct {
	// Raw is the reference string as written ("ref://type.name/attribute").
	Raw string `json:"raw"`

	// Target is the address of the referenced resource.
	Target string `json:"target"`

	// Attribute is the referenced output attribute name.
	Attribute string `json:"attribute"`
}

const refScheme = "ref://"

// ParseReference parses a symbolic reference string. It returns ok=false for
// values that are not references at all.
func ParseReference(v string) (Reference, bool) {
	if !strings.HasPrefix(v, refScheme) {
		return Reference{}, false
	}
	rest := v[len(refScheme):]
	slash := strings.LastIndex(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return Reference{Raw: v, Target: strings.TrimSuffix(rest, "/")}, true
	}
	return Reference{
		Raw:       v,
		Target:    rest[:slash],
		Attribute: rest[slash+1:],
	}, true
}

// ResourceNode is a declared resource resolved into the dependency graph.
// Nodes are immutable once the graph is built.
type ResourceNode struct {
	// Address is the unique address (type.name).
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Name is the logical name.
	Name string `json:"name"`

	// Index is the position of the declaration in the original input.
	Index int `json:"index"`

	// Attributes is the desired attribute bag, references unresolved.
	Attributes map[string]any `json:"attributes"`

	// References are the attribute-level references found in Attributes.
	References []Reference `json:"references,omitempty"`

	// DependsOn is the deduplicated union of explicit and implicit
	// dependency addresses, sorted.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are copied from the declaration.
	Labels map[string]string `json:"labels,omitempty"`
}

// Graph is the directed acyclic dependency graph of declared resources.
// Edges point from dependent to dependency.
type Graph struct {
	nodes      map[string]*ResourceNode
	order      []string            // addresses in declaration order
	dependents map[string][]string // reverse edges
}

// Node returns the node at the given address, or nil.
func (g *Graph) Node(address string) *ResourceNode {
	return g.nodes[address]
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*ResourceNode {
	out := make([]*ResourceNode, 0, len(g.order))
	for _, addr := range g.order {
		out = append(out, g.nodes[addr])
	}
	return out
}

// Dependencies returns the dependency addresses of the given node.
func (g *Graph) Dependencies(address string) []string {
	if n := g.nodes[address]; n != nil {
		return n.DependsOn
	}
	return nil
}

// Dependents returns the addresses of nodes that depend on the given node.
func (g *Graph) Dependents(address string) []string {
	return g.dependents[address]
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// ReplacePolicy is the ordering policy for replacing a resource whose
// immutable attributes changed.
type ReplacePolicy string

const (
	// ReplaceCreateBeforeDestroy creates the new resource before destroying
	// the old one. Default for types that are externally referenced while
	// active (e.g., a target group attached to a load-balancer listener).
	ReplaceCreateBeforeDestroy ReplacePolicy = "create-before-destroy"

	// ReplaceDestroyBeforeCreate destroys the old resource first.
	ReplaceDestroyBeforeCreate ReplacePolicy = "destroy-before-create"
)

// Validate checks if the replace policy is valid.
func (p ReplacePolicy) Validate() error {
	switch p {
	case ReplaceCreateBeforeDestroy, ReplaceDestroyBeforeCreate:
		return nil
	default:
		return fmt.Errorf("invalid replace policy: %s", p)
	}
}

// TypeDescriptor describes the update semantics of a resource type: which
// attributes force replacement and in which order a replacement happens.
type TypeDescriptor struct {
	// Type is the resource type this descriptor applies to.
	Type string `json:"type"`

	// ImmutableAttributes lists attribute names that cannot be updated in
	// place; a change to any of them forces a Replace.
	ImmutableAttributes []string `json:"immutable_attributes,omitempty"`

	// ReplacePolicy is the configured replacement ordering. Empty means
	// derive from ExternallyReferenced.
	ReplacePolicy ReplacePolicy `json:"replace_policy,omitempty"`

	// ExternallyReferenced marks types whose live instances are referenced
	// by collaborators outside the graph while active. Such types default
	// to create-before-destroy.
	ExternallyReferenced bool `json:"externally_referenced,omitempty"`
}

// EffectiveReplacePolicy resolves the replacement ordering for this type.
func (t TypeDescriptor) EffectiveReplacePolicy() ReplacePolicy {
	if t.ReplacePolicy != "" {
		return t.ReplacePolicy
	}
	if t.ExternallyReferenced {
		return ReplaceCreateBeforeDestroy
	}
	return ReplaceDestroyBeforeCreate
}

// IsImmutable reports whether the named attribute forces replacement.
func (t TypeDescriptor) IsImmutable(attribute string) bool {
	for _, a := range t.ImmutableAttributes {
		if a == attribute {
			return true
		}
	}
	return false
}

// TypeRegistry holds the registered type descriptors.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]TypeDescriptor
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]TypeDescriptor)}
}

// Register adds or replaces a type descriptor.
func (r *TypeRegistry) Register(desc TypeDescriptor) error {
	if desc.Type == "" {
		return NewPermanentError("type descriptor has empty type", nil).
			WithCode(ErrCodeValidation)
	}
	if desc.ReplacePolicy != "" {
		if err := desc.ReplacePolicy.Validate(); err != nil {
			return NewPermanentError("invalid type descriptor", err).
				WithCode(ErrCodeValidation)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[desc.Type] = desc
	return nil
}

// Lookup returns the descriptor for a type. Unregistered types get a zero
// descriptor: every attribute is updatable in place.
func (r *TypeRegistry) Lookup(resourceType string) TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.types[resourceType]; ok {
		return d
	}
	return TypeDescriptor{Type: resourceType}
}

// OperationKind classifies what the plan does to a resource.
type OperationKind string

const (
	// OperationCreate creates a resource that has no state record.
	OperationCreate OperationKind = "create"

	// OperationUpdate updates a resource in place.
	OperationUpdate OperationKind = "update"

	// OperationReplace destroys and recreates a resource because an
	// immutable attribute changed.
	OperationReplace OperationKind = "replace"

	// OperationDestroy removes a resource that is no longer declared.
	OperationDestroy OperationKind = "destroy"

	// OperationNoOp records that the resource already matches its
	// declaration.
	OperationNoOp OperationKind = "noop"
)

// IsDestructive returns true if the operation destroys provider resources.
func (k OperationKind) IsDestructive() bool {
	return k == OperationDestroy || k == OperationReplace
}

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	switch k {
	case OperationCreate, OperationUpdate, OperationReplace, OperationDestroy, OperationNoOp:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// AttributeDiff is the before/after of a single attribute.
type AttributeDiff struct {
	Before any `json:"before,omitempty"`
	After  any `json:"after,omitempty"`

	// Action is one of "add", "modify", "remove".
	Action string `json:"action"`

	// ForcesReplacement marks diffs on immutable attributes.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// PlanOperation is one planned change bound to a resource address.
type PlanOperation struct {
	// Kind is the classification of the change.
	Kind OperationKind `json:"kind"`

	// Address is the resource address the operation applies to.
	Address string `json:"address"`

	// Index is the declaration index used for stable scheduling order.
	// Destroy operations for undeclared resources carry an index past the
	// end of the declaration list.
	Index int `json:"index"`

	// Policy is the replacement ordering; set only for Replace.
	Policy ReplacePolicy `json:"policy,omitempty"`

	// Diff is the per-attribute before/after, keyed by attribute name.
	Diff map[string]*AttributeDiff `json:"diff,omitempty"`

	// Dependencies are the recorded dependency addresses, set for destroys
	// of undeclared resources so the scheduler can order them in reverse.
	Dependencies []string `json:"dependencies,omitempty"`

	// Labels are copied from the graph node (or prior state for destroys)
	// so policy evaluation can see them without the graph.
	Labels map[string]string `json:"labels,omitempty"`
}

// PlanSummary counts operations by kind.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// Plan is the ordered set of operations that reconciles real state to
// declared state. A plan is immutable once computed and is consumed exactly
// once by the executor.
type Plan struct {
	// Operations in deterministic order: declared resources by declaration
	// index, then destroys of undeclared resources by address.
	Operations []*PlanOperation `json:"operations"`

	// Summary counts operations by kind.
	Summary PlanSummary `json:"summary"`

	graph    *Graph
	mu       sync.Mutex
	consumed bool
}

// Graph returns the graph the plan was derived from.
func (p *Plan) Graph() *Graph {
	return p.graph
}

// Changes reports whether the plan contains any non-noop operation.
func (p *Plan) Changes() bool {
	for _, op := range p.Operations {
		if op.Kind != OperationNoOp {
			return true
		}
	}
	return false
}

// consume marks the plan as applied. The second call fails.
func (p *Plan) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return NewPermanentError("plan already consumed", nil).
			WithCode(ErrCodeConflict)
	}
	p.consumed = true
	return nil
}

// ReplacePhase distinguishes the two suboperations of a replace.
type ReplacePhase string

const (
	// PhaseCreateNew creates the replacement resource.
	PhaseCreateNew ReplacePhase = "create-new"

	// PhaseDestroyOld destroys the replaced resource.
	PhaseDestroyOld ReplacePhase = "destroy-old"
)

// ScheduledOperation is a plan operation (or replace suboperation) placed
// into the execution schedule.
type ScheduledOperation struct {
	// ID uniquely identifies the scheduled operation. IDs derive from the
	// address and phase, so scheduling is deterministic.
	ID string `json:"id"`

	// Op is the underlying plan operation.
	Op *PlanOperation `json:"op"`

	// Phase is set for replace suboperations, empty otherwise.
	Phase ReplacePhase `json:"phase,omitempty"`

	// DependsOn lists scheduled operation IDs that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Kind returns the effective kind of the scheduled operation: replace
// suboperations resolve to create or destroy.
func (s *ScheduledOperation) Kind() OperationKind {
	switch s.Phase {
	case PhaseCreateNew:
		return OperationCreate
	case PhaseDestroyOld:
		return OperationDestroy
	default:
		return s.Op.Kind
	}
}

// ExecutionBatch is a set of scheduled operations with no dependency
// relation among them; they may run concurrently. Batches execute strictly
// in sequence.
type ExecutionBatch struct {
	// Level is the batch index, starting at zero.
	Level int `json:"level"`

	// Operations are ordered by declaration index (stable tie-break).
	Operations []*ScheduledOperation `json:"operations"`
}

// OperationStatus is the terminal status of one executed operation.
type OperationStatus string

const (
	OperationStatusSucceeded OperationStatus = "succeeded"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusSkipped   OperationStatus = "skipped"
	OperationStatusCancelled OperationStatus = "cancelled"
)

// OperationResult is the outcome of one scheduled operation.
type OperationResult struct {
	// ID is the scheduled operation ID.
	ID string `json:"id"`

	// Address is the resource address.
	Address string `json:"address"`

	// Kind is the effective operation kind that ran.
	Kind OperationKind `json:"kind"`

	// Phase is set for replace suboperations.
	Phase ReplacePhase `json:"phase,omitempty"`

	// Status is the terminal status.
	Status OperationStatus `json:"status"`

	// Attempts is the number of provider calls made, including retries.
	Attempts int `json:"attempts"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// Error is the error message for failed or skipped operations.
	Error string `json:"error,omitempty"`
}

// RunStatus is the overall status of an apply run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// ApplyResult reports the outcome of applying a plan. A partially
// successful apply is fully auditable: every operation appears with its
// terminal status.
type ApplyResult struct {
	// RunID identifies the apply run in the audit trail.
	RunID string `json:"run_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Operations holds one result per scheduled operation, in schedule
	// order.
	Operations []*OperationResult `json:"operations"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Counts returns the number of operations per terminal status.
func (r *ApplyResult) Counts() (succeeded, failed, skipped, cancelled int) {
	for _, op := range r.Operations {
		switch op.Status {
		case OperationStatusSucceeded:
			succeeded++
		case OperationStatusFailed:
			failed++
		case OperationStatusSkipped:
			skipped++
		case OperationStatusCancelled:
			cancelled++
		}
	}
	return
}

// StateRecord is the persisted snapshot of a previously-created resource.
type StateRecord struct {
	// Address is the resource address (type.name).
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// ProviderID is the identifier assigned by the provider on create.
	ProviderID string `json:"provider_id"`

	// Attributes are the last-applied declared attributes, references
	// unresolved. Diffing compares these against the declaration.
	Attributes map[string]any `json:"attributes"`

	// Outputs are the provider-returned output attributes, used to resolve
	// references of dependent resources.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Dependencies are the dependency addresses at last apply, used to
	// order destroys of undeclared resources.
	Dependencies []string `json:"dependencies,omitempty"`

	// Labels are the labels at last apply.
	Labels map[string]string `json:"labels,omitempty"`

	// Serial increments on every successful apply of this resource.
	Serial int64 `json:"serial"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// sortedAddresses returns the keys of a record map in lexical order.
func sortedAddresses[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
