package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildGraph_Empty(t *testing.T) {
	graph, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty declarations, got: %v", err)
	}
	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}
}

func TestBuildGraph_ReferenceEdges(t *testing.T) {
	decls := []Declaration{
		{Type: "aws.vpc.Network", Name: "main", Attributes: map[string]any{"cidr": "10.0.0.0/16"}},
		{Type: "aws.ec2.Subnet", Name: "a", Attributes: map[string]any{
			"vpc_id": "ref://aws.vpc.Network.main/id",
		}},
		{Type: "aws.ec2.Instance", Name: "web", Attributes: map[string]any{
			"subnet": "ref://aws.ec2.Subnet.a/id",
			"tags": map[string]any{
				"network": "ref://aws.vpc.Network.main/name",
			},
		}},
	}

	graph, err := BuildGraph(decls)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if graph.Len() != 3 {
		t.Fatalf("Expected 3 nodes, got %d", graph.Len())
	}

	subnet := graph.Node("aws.ec2.Subnet.a")
	if len(subnet.DependsOn) != 1 || subnet.DependsOn[0] != "aws.vpc.Network.main" {
		t.Errorf("Subnet dependencies = %v, want [aws.vpc.Network.main]", subnet.DependsOn)
	}

	// References nested in maps count too.
	instance := graph.Node("aws.ec2.Instance.web")
	wantDeps := []string{"aws.ec2.Subnet.a", "aws.vpc.Network.main"}
	if len(instance.DependsOn) != 2 {
		t.Fatalf("Instance dependencies = %v, want %v", instance.DependsOn, wantDeps)
	}
	for i, dep := range wantDeps {
		if instance.DependsOn[i] != dep {
			t.Errorf("Instance dependency %d = %s, want %s", i, instance.DependsOn[i], dep)
		}
	}

	dependents := graph.Dependents("aws.vpc.Network.main")
	if len(dependents) != 2 {
		t.Errorf("Network dependents = %v, want 2 entries", dependents)
	}
}

func TestBuildGraph_ExplicitDependsOn(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "base"},
		{Type: "static.Item", Name: "child", DependsOn: []string{"static.Item.base"}},
	}

	graph, err := BuildGraph(decls)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	child := graph.Node("static.Item.child")
	if len(child.DependsOn) != 1 || child.DependsOn[0] != "static.Item.base" {
		t.Errorf("Child dependencies = %v, want [static.Item.base]", child.DependsOn)
	}
}

func TestBuildGraph_MergesExplicitAndImplicit(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "a"},
		{Type: "static.Item", Name: "b"},
		{Type: "static.Item", Name: "c",
			Attributes: map[string]any{"source": "ref://static.Item.a/id"},
			DependsOn:  []string{"static.Item.b", "static.Item.a"},
		},
	}

	graph, err := BuildGraph(decls)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	// The duplicate of a appears once, and the result is sorted.
	c := graph.Node("static.Item.c")
	want := []string{"static.Item.a", "static.Item.b"}
	if len(c.DependsOn) != len(want) {
		t.Fatalf("Dependencies = %v, want %v", c.DependsOn, want)
	}
	for i := range want {
		if c.DependsOn[i] != want[i] {
			t.Errorf("Dependency %d = %s, want %s", i, c.DependsOn[i], want[i])
		}
	}
}

func TestBuildGraph_UnresolvedReference(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "orphan", Attributes: map[string]any{
			"target": "ref://static.Item.missing/id",
		}},
	}

	_, err := BuildGraph(decls)
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Expected *UnresolvedReferenceError, got: %v", err)
	}
	if unresolved.Target != "static.Item.missing" {
		t.Errorf("Target = %s, want static.Item.missing", unresolved.Target)
	}
	if unresolved.Attribute != "target" {
		t.Errorf("Attribute = %s, want target", unresolved.Attribute)
	}
}

func TestBuildGraph_UnresolvedExplicitDependency(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "a", DependsOn: []string{"static.Item.gone"}},
	}

	_, err := BuildGraph(decls)
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Expected *UnresolvedReferenceError, got: %v", err)
	}
	if unresolved.Attribute != "" {
		t.Errorf("Expected empty attribute for depends_on error, got %q", unresolved.Attribute)
	}
}

func TestBuildGraph_CycleDetection(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "a", Attributes: map[string]any{
			"x": "ref://static.Item.b/id",
		}},
		{Type: "static.Item", Name: "b", Attributes: map[string]any{
			"x": "ref://static.Item.c/id",
		}},
		{Type: "static.Item", Name: "c", Attributes: map[string]any{
			"x": "ref://static.Item.a/id",
		}},
	}

	_, err := BuildGraph(decls)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Expected *CycleError, got: %v", err)
	}
	if len(cycle.Path) != 4 {
		t.Errorf("Cycle path = %v, want 4 entries (first repeated)", cycle.Path)
	}
	if cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
		t.Errorf("Cycle path should start and end at the same address: %v", cycle.Path)
	}
	if !strings.Contains(err.Error(), "dependency cycle detected") {
		t.Errorf("Error message = %q, want cycle description", err.Error())
	}
}

func TestBuildGraph_TwoNodeCycle(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "a", DependsOn: []string{"static.Item.b"}},
		{Type: "static.Item", Name: "b", DependsOn: []string{"static.Item.a"}},
	}

	_, err := BuildGraph(decls)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Expected *CycleError, got: %v", err)
	}
}

func TestBuildGraph_DuplicateAddress(t *testing.T) {
	decls := []Declaration{
		{Type: "static.Item", Name: "a"},
		{Type: "static.Item", Name: "a"},
	}

	_, err := BuildGraph(decls)
	if err == nil {
		t.Fatal("Expected error for duplicate address")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeValidation {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestBuildGraph_InvalidDeclarations(t *testing.T) {
	tests := []struct {
		name  string
		decls []Declaration
	}{
		{"empty type", []Declaration{{Name: "a"}}},
		{"empty name", []Declaration{{Type: "static.Item"}}},
		{"slash in name", []Declaration{{Type: "static.Item", Name: "a/b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildGraph(tt.decls); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		input     string
		ok        bool
		target    string
		attribute string
	}{
		{"ref://aws.vpc.Network.main/id", true, "aws.vpc.Network.main", "id"},
		{"ref://static.Item.a/outputs.nested", true, "static.Item.a", "outputs.nested"},
		{"plain string", false, "", ""},
		{"http://example.com", false, "", ""},
		{"ref://no-attribute", true, "no-attribute", ""},
	}

	for _, tt := range tests {
		ref, ok := ParseReference(tt.input)
		if ok != tt.ok {
			t.Errorf("ParseReference(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if ref.Target != tt.target || ref.Attribute != tt.attribute {
			t.Errorf("ParseReference(%q) = (%s, %s), want (%s, %s)",
				tt.input, ref.Target, ref.Attribute, tt.target, tt.attribute)
		}
	}
}
