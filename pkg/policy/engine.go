package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Engine evaluates Rego policies against plans before they are applied.
// Builtin policies load at construction; user policies come from LoadPaths.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its parsed module. Parsing happens
// once at load; evaluation builds a fresh query per input.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compile(&builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", builtins[i].Name, err)
		}
	}

	return e, nil
}

// EvaluatePlan runs all enabled policies against the plan. A policy that
// fails to evaluate becomes a warning rather than aborting the gate.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, workspace string) (*Result, error) {
	start := time.Now()
	input := NewInput(plan, workspace)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity.Blocks() {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = time.Now()

	e.logger.Debug().
		Int("policies", len(result.Evaluated)).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(start)).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// LoadPaths loads and compiles user policies from files or directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(policies)
}

// Watch starts hot reload: changed policy files recompile in place. The
// watcher stops when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, e.Replace)
}

// Replace swaps in a new set of user policies, keeping builtins. Policies
// that fail to compile are skipped with a logged error so one bad file
// does not take down the rest.
func (e *Engine) Replace(policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Metadata["builtin"] != true {
			delete(e.policies, name)
		}
	}

	var failed int
	for i := range policies {
		if err := e.compile(&policies[i]); err != nil {
			failed++
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
		}
	}

	e.logger.Info().
		Int("loaded", len(policies)-failed).
		Int("failed", failed).
		Msg("Policies loaded")

	if failed > 0 {
		return fmt.Errorf("%d of %d policies failed to compile", failed, len(policies))
	}
	return nil
}

// Get returns a loaded policy by name.
func (e *Engine) Get(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// List returns all loaded policies sorted by name.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// Enable turns a policy on by name.
func (e *Engine) Enable(name string) error {
	return e.setEnabled(name, true)
}

// Disable turns a policy off by name.
func (e *Engine) Disable(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// compile parses the policy module and stores it. Caller holds the lock
// (or is still single-threaded construction).
func (e *Engine) compile(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}

// evaluate queries data.<package>.deny for one policy against the input.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation converts one deny result into a Violation. Rules may emit
// a bare message string or an object with message/severity/resource.
func makeViolation(policy *Policy, result any) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageName extracts the package declaration from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "terrane.policies"
}

// sortedNames returns policy names in lexical order for stable evaluation
// and listing. Caller holds at least the read lock.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
