package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder resolves declarations into a dependency graph. It validates
// addresses, extracts attribute-level references, and rejects unresolved
// references and cycles.
type GraphBuilder struct {
	nodes      map[string]*ResourceNode
	order      []string
	dependents map[string][]string
	explicit   map[string][]string // depends_on as declared, pre-merge
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:      make(map[string]*ResourceNode),
		dependents: make(map[string][]string),
		explicit:   make(map[string][]string),
	}
}

// BuildGraph resolves declarations into a Graph. It is a convenience wrapper
// around a fresh GraphBuilder.
func BuildGraph(decls []Declaration) (*Graph, error) {
	return NewGraphBuilder().Build(decls)
}

// Build constructs the graph: indexes declarations, extracts references,
// validates edges, and detects cycles. The builder is single-use.
func (b *GraphBuilder) Build(decls []Declaration) (*Graph, error) {
	if err := b.index(decls); err != nil {
		return nil, err
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	return &Graph{
		nodes:      b.nodes,
		order:      b.order,
		dependents: b.dependents,
	}, nil
}

// index validates each declaration and creates its node.
func (b *GraphBuilder) index(decls []Declaration) error {
	for i, d := range decls {
		if d.Type == "" || d.Name == "" {
			return NewPermanentError(
				fmt.Sprintf("declaration %d has empty type or name", i), nil).
				WithCode(ErrCodeValidation)
		}
		if strings.Contains(d.Name, "/") {
			return NewPermanentError(
				fmt.Sprintf("resource name %q contains '/'", d.Name), nil).
				WithCode(ErrCodeValidation)
		}

		addr := d.Address()
		if _, exists := b.nodes[addr]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate resource address: %s", addr), nil).
				WithCode(ErrCodeValidation).WithResource(addr)
		}

		b.nodes[addr] = &ResourceNode{
			Address:    addr,
			Type:       d.Type,
			Name:       d.Name,
			Index:      i,
			Attributes: d.Attributes,
			Labels:     d.Labels,
		}
		b.order = append(b.order, addr)
		b.dependents[addr] = make([]string, 0)
		b.explicit[addr] = d.DependsOn
	}
	return nil
}

// link extracts references from attributes, merges them with explicit
// depends_on entries, and validates that every edge target is declared.
func (b *GraphBuilder) link() error {
	// Explicit declarations were indexed in order; re-walk them the same way
	// so errors are reported for the first offending declaration.
	for _, addr := range b.order {
		node := b.nodes[addr]

		refs := collectReferences(node.Attributes)
		node.References = refs

		deps := make(map[string]bool)
		for _, ref := range refs {
			if _, exists := b.nodes[ref.Target]; !exists {
				return &UnresolvedReferenceError{
					From:      addr,
					Attribute: refAttribute(node.Attributes, ref.Raw),
					Target:    ref.Target,
				}
			}
			if ref.Target != addr {
				deps[ref.Target] = true
			}
		}

		// Explicit depends_on comes from the declaration, not the node; the
		// node keeps only the merged result.
		for _, dep := range b.explicit[addr] {
			if _, exists := b.nodes[dep]; !exists {
				return &UnresolvedReferenceError{From: addr, Target: dep}
			}
			if dep != addr {
				deps[dep] = true
			}
		}

		node.DependsOn = make([]string, 0, len(deps))
		for dep := range deps {
			node.DependsOn = append(node.DependsOn, dep)
		}
		sort.Strings(node.DependsOn)

		for _, dep := range node.DependsOn {
			b.dependents[dep] = append(b.dependents[dep], addr)
		}
	}

	for addr := range b.dependents {
		sort.Strings(b.dependents[addr])
	}
	return nil
}

// detectCycles performs depth-first search over dependency edges and
// reports the first cycle found with its full path.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(addr string, path []string) *CycleError
	visit = func(addr string, path []string) *CycleError {
		visited[addr] = true
		recStack[addr] = true
		path = append(path, addr)

		for _, dep := range b.nodes[addr].DependsOn {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				// Found a cycle; trim the path to its start.
				start := 0
				for i, a := range path {
					if a == dep {
						start = i
						break
					}
				}
				return &CycleError{Path: append(append([]string{}, path[start:]...), dep)}
			}
		}

		recStack[addr] = false
		return nil
	}

	// Walk in declaration order so the reported cycle is deterministic.
	for _, addr := range b.order {
		if !visited[addr] {
			if cycle := visit(addr, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// collectReferences walks an attribute bag recursively and returns every
// symbolic reference found, in deterministic key order.
func collectReferences(attrs map[string]any) []Reference {
	var refs []Reference
	walkValues(attrs, func(v string) {
		if ref, ok := ParseReference(v); ok {
			refs = append(refs, ref)
		}
	})
	return refs
}

// walkValues visits every string value in a nested attribute structure.
// Maps are visited in sorted key order so the result is deterministic.
func walkValues(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, k := range sortedAddresses(val) {
			walkValues(val[k], fn)
		}
	case []any:
		for _, item := range val {
			walkValues(item, fn)
		}
	}
}

// refAttribute finds the top-level attribute whose subtree contains the raw
// reference string, for error messages.
func refAttribute(attrs map[string]any, raw string) string {
	for _, k := range sortedAddresses(attrs) {
		found := false
		walkValues(attrs[k], func(v string) {
			if v == raw {
				found = true
			}
		})
		if found {
			return k
		}
	}
	return ""
}
