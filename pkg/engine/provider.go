package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Provider is the opaque resource API the executor drives. One provider
// serves one or more resource types; implementations must be safe for
// concurrent use because operations within a batch run in parallel.
type Provider interface {
	// Name returns the provider name for logging and registry lookups.
	Name() string

	// Capabilities describes optional provider behavior.
	Capabilities() ProviderCapabilities

	// Create provisions a new resource and returns its provider-assigned ID
	// and output attributes.
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)

	// Read returns the current remote state of a resource, or nil Resource
	// when it does not exist.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Update applies in-place attribute changes to an existing resource.
	Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, error)

	// Delete removes a resource. Deleting an already-absent resource
	// succeeds.
	Delete(ctx context.Context, req DeleteRequest) error

	// Wait blocks until the resource reaches readiness or the context is
	// done. Providers whose resources are ready on return from Create or
	// Update may return immediately.
	Wait(ctx context.Context, req WaitRequest) error
}

// ProviderCapabilities describes optional provider behavior the executor
// adapts to.
type ProviderCapabilities struct {
	// IdempotencyTokens reports whether Create accepts a client token that
	// makes retried creates safe. Without it, the executor re-reads state
	// before retrying a create.
	IdempotencyTokens bool `json:"idempotency_tokens"`

	// ReadinessPolling reports whether Wait performs real polling; when
	// false the executor skips the Wait call entirely.
	ReadinessPolling bool `json:"readiness_polling"`
}

// CreateRequest asks a provider to provision a resource.
type CreateRequest struct {
	// Type is the resource type.
	Type string `json:"type"`

	// Name is the logical name.
	Name string `json:"name"`

	// Attributes are the desired attributes with references resolved.
	Attributes map[string]any `json:"attributes"`

	// IdempotencyToken is set when the provider supports client tokens; it
	// is stable across retries of the same scheduled operation.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// CreateResponse is the result of a successful create.
type CreateResponse struct {
	// ProviderID is the identifier the provider assigned.
	ProviderID string `json:"provider_id"`

	// Outputs are the provider-computed output attributes.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ReadRequest asks a provider for the current remote state.
type ReadRequest struct {
	Type       string `json:"type"`
	ProviderID string `json:"provider_id"`

	// Name lets providers without stable IDs look resources up by logical
	// name (used when retrying a create that may have partially happened).
	Name string `json:"name,omitempty"`
}

// RemoteResource is the provider's view of a live resource.
type RemoteResource struct {
	ProviderID string         `json:"provider_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

// ReadResponse is the result of a read. Resource is nil when the resource
// does not exist remotely.
type ReadResponse struct {
	Resource *RemoteResource `json:"resource,omitempty"`
}

// UpdateRequest asks a provider to change a resource in place.
type UpdateRequest struct {
	Type       string         `json:"type"`
	ProviderID string         `json:"provider_id"`
	Attributes map[string]any `json:"attributes"`
}

// UpdateResponse is the result of a successful update.
type UpdateResponse struct {
	// Outputs are the refreshed output attributes.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// DeleteRequest asks a provider to remove a resource.
type DeleteRequest struct {
	Type       string `json:"type"`
	ProviderID string `json:"provider_id"`
}

// WaitRequest asks a provider to block until a resource is ready.
type WaitRequest struct {
	Type       string `json:"type"`
	ProviderID string `json:"provider_id"`
}

// ProviderRegistry routes resource types to providers. Types are matched by
// longest registered prefix, so "aws" can serve every "aws.*" type while
// "aws.ecs" overrides it for ECS types.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register binds a type prefix to a provider. Re-registering a prefix
// replaces the previous provider.
func (r *ProviderRegistry) Register(typePrefix string, p Provider) error {
	if typePrefix == "" {
		return NewPermanentError("empty type prefix", nil).WithCode(ErrCodeValidation)
	}
	if p == nil {
		return NewPermanentError("nil provider", nil).WithCode(ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typePrefix] = p
	return nil
}

// Resolve returns the provider serving the given resource type.
func (r *ProviderRegistry) Resolve(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Longest-prefix match over registered prefixes.
	prefixes := make([]string, 0, len(r.providers))
	for prefix := range r.providers {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if resourceType == prefix || strings.HasPrefix(resourceType, prefix+".") {
			return r.providers[prefix], nil
		}
	}
	return nil, NewPermanentError(
		fmt.Sprintf("no provider registered for type %s", resourceType), nil).
		WithCode(ErrCodeNotFound)
}

// RetryPolicy bounds the executor's retry loop for transient and throttled
// provider errors.
type RetryPolicy struct {
	// MaxAttempts is the total number of provider calls per operation,
	// including the first.
	MaxAttempts int `json:"max_attempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `json:"initial_backoff"`

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `json:"max_backoff"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier"`
}

// DefaultRetryPolicy returns the retry bounds used when config does not
// override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2.0,
	}
}
