package config

import (
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

// WorkspaceConfig holds workspace-level settings.
type WorkspaceConfig struct {
	// Name identifies the workspace.
	Name string `json:"name" validate:"required"`

	// StatePath is the SQLite state database path.
	StatePath string `json:"statePath"`

	// Engine holds execution settings.
	Engine EngineSettings `json:"engine"`
}

// EngineSettings bound the executor's behavior.
type EngineSettings struct {
	// Parallelism bounds concurrent operations within a batch.
	Parallelism int `json:"parallelism" validate:"gte=0,lte=256"`

	// MaxAttempts is the total provider calls per operation.
	MaxAttempts int `json:"maxAttempts" validate:"gte=0,lte=20"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `json:"initialBackoff"`

	// MaxBackoff caps exponential backoff growth.
	MaxBackoff time.Duration `json:"maxBackoff"`

	// WaitTimeout bounds readiness polling per operation.
	WaitTimeout time.Duration `json:"waitTimeout"`

	// LockTTL is the age past which a state lock is broken as stale.
	LockTTL time.Duration `json:"lockTTL"`
}

// ResourceConfig is one resource declaration as written in CUE.
type ResourceConfig struct {
	// Type is the resource type.
	Type string `json:"type" validate:"required"`

	// Name is the logical name within the type.
	Name string `json:"name" validate:"required,excludes=/"`

	// Attributes is the desired attribute bag; "ref://" strings reference
	// other resources' outputs.
	Attributes map[string]any `json:"attributes"`

	// DependsOn lists explicit dependency addresses.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Labels are key-value pairs for selection and policy.
	Labels map[string]string `json:"labels,omitempty"`
}

// TypeConfig declares the update semantics of a resource type.
type TypeConfig struct {
	// Type is the resource type the descriptor applies to.
	Type string `json:"type" validate:"required"`

	// ImmutableAttributes force replacement when changed.
	ImmutableAttributes []string `json:"immutableAttributes,omitempty"`

	// ReplacePolicy overrides the derived replacement ordering.
	ReplacePolicy string `json:"replacePolicy,omitempty" validate:"omitempty,oneof=create-before-destroy destroy-before-create"`

	// ExternallyReferenced defaults the type to create-before-destroy.
	ExternallyReferenced bool `json:"externallyReferenced,omitempty"`
}

// ValidationError describes a single parse or validation failure.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ParsedConfig is the result of parsing a workspace.
type ParsedConfig struct {
	// Workspace holds workspace-level settings.
	Workspace WorkspaceConfig `json:"workspace"`

	// Resources in source order.
	Resources []ResourceConfig `json:"resources"`

	// Types are the declared type descriptors.
	Types []TypeConfig `json:"types,omitempty"`

	// SourceFiles lists the parsed files.
	SourceFiles []string `json:"sourceFiles"`

	// Errors collects parse and validation failures.
	Errors []ValidationError `json:"errors,omitempty"`

	// ParsedAt records when parsing happened.
	ParsedAt time.Time `json:"parsedAt"`
}

// Declarations converts the parsed resources to engine declarations,
// preserving source order.
func (p *ParsedConfig) Declarations() []engine.Declaration {
	decls := make([]engine.Declaration, 0, len(p.Resources))
	for _, r := range p.Resources {
		decls = append(decls, engine.Declaration{
			Type:       r.Type,
			Name:       r.Name,
			Attributes: r.Attributes,
			DependsOn:  r.DependsOn,
			Labels:     r.Labels,
		})
	}
	return decls
}

// TypeDescriptors converts the declared type blocks to engine descriptors.
func (p *ParsedConfig) TypeDescriptors() []engine.TypeDescriptor {
	descs := make([]engine.TypeDescriptor, 0, len(p.Types))
	for _, t := range p.Types {
		descs = append(descs, engine.TypeDescriptor{
			Type:                 t.Type,
			ImmutableAttributes:  t.ImmutableAttributes,
			ReplacePolicy:        engine.ReplacePolicy(t.ReplacePolicy),
			ExternallyReferenced: t.ExternallyReferenced,
		})
	}
	return descs
}

// EngineSettingsOrDefault fills zero engine settings with defaults.
func (p *ParsedConfig) EngineSettingsOrDefault() EngineSettings {
	s := p.Workspace.Engine
	if s.Parallelism == 0 {
		s.Parallelism = 10
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 4
	}
	if s.InitialBackoff == 0 {
		s.InitialBackoff = 500 * time.Millisecond
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = 15 * time.Second
	}
	if s.WaitTimeout == 0 {
		s.WaitTimeout = 5 * time.Minute
	}
	if s.LockTTL == 0 {
		s.LockTTL = 15 * time.Minute
	}
	return s
}
