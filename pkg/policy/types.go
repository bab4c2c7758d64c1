package policy

import (
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Severity indicates how a violated policy affects the run.
type Severity string

const (
	// SeverityInfo is advisory only.
	SeverityInfo Severity = "info"

	// SeverityWarning surfaces the violation but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the apply.
	SeverityError Severity = "error"

	// SeverityCritical blocks the apply and flags the plan for review.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether the severity prevents an apply.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a single Rego policy evaluated against plans.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. The package must expose a "deny" set;
	// each member is either a message string or an object with message,
	// severity, and resource fields.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `json:"enabled"`

	// Tags are free-form labels for grouping policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries source information (e.g., the file path).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Violation is one policy rule that fired against a plan.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Severity of this specific violation.
	Severity Severity `json:"severity"`

	// Resource is the address of the offending resource, when the rule
	// names one.
	Resource string `json:"resource,omitempty"`

	// Message explains the violation.
	Message string `json:"message"`
}

// Result is the outcome of evaluating all enabled policies against a plan.
type Result struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations from all evaluated policies.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are evaluation failures that did not block (a policy that
	// failed to evaluate is reported, not silently skipped).
	Warnings []string `json:"warnings,omitempty"`

	// Evaluated lists the names of the policies that ran.
	Evaluated []string `json:"evaluated,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document handed to Rego evaluation. It is a flattened view
// of the plan so policies never see engine internals.
type Input struct {
	// Operations are the planned changes, including noops.
	Operations []*engine.PlanOperation `json:"operations"`

	// Summary counts operations by kind.
	Summary engine.PlanSummary `json:"summary"`

	// Workspace is the workspace name, when known.
	Workspace string `json:"workspace,omitempty"`

	// Timestamp is the evaluation time.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the evaluation input from a plan.
func NewInput(plan *engine.Plan, workspace string) *Input {
	return &Input{
		Operations: plan.Operations,
		Summary:    plan.Summary,
		Workspace:  workspace,
		Timestamp:  time.Now(),
	}
}
