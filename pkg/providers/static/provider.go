// Package static implements an in-memory provider. It backs the demo
// workflow and the executor tests: resources live in a map, outputs echo
// attributes plus a synthetic id, and failure injection simulates flaky
// remote APIs.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Provider stores resources in memory, keyed by provider ID.
type Provider struct {
	name string
	caps engine.ProviderCapabilities

	mu        sync.Mutex
	resources map[string]*resource
	byName    map[string]string // "type/name" -> provider ID

	// failures maps "op:type.name" to a remaining failure count; each
	// matching call decrements the count and fails until it reaches zero.
	failures map[string]*failureRule

	// readyAfter delays readiness per provider ID.
	readyAfter map[string]time.Time

	calls []Call
}

type resource struct {
	id         string
	typ        string
	name       string
	attributes map[string]any
	outputs    map[string]any
	token      string
}

type failureRule struct {
	remaining int
	err       error
}

// Call records one provider invocation for test assertions.
type Call struct {
	Op    string
	Type  string
	Name  string
	ID    string
	Token string
}

// Option configures a Provider.
type Option func(*Provider)

// WithIdempotencyTokens enables client-token support on Create.
func WithIdempotencyTokens() Option {
	return func(p *Provider) { p.caps.IdempotencyTokens = true }
}

// WithReadinessPolling makes Wait block until the per-resource readiness
// deadline passes.
func WithReadinessPolling() Option {
	return func(p *Provider) { p.caps.ReadinessPolling = true }
}

// New creates an empty static provider.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		resources:  make(map[string]*resource),
		byName:     make(map[string]string),
		failures:   make(map[string]*failureRule),
		readyAfter: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements engine.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements engine.Provider.
func (p *Provider) Capabilities() engine.ProviderCapabilities { return p.caps }

// FailNext makes the next n calls of the given operation on the given
// address fail with err. Operation is one of create, read, update, delete.
func (p *Provider) FailNext(op, address string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+":"+address] = &failureRule{remaining: n, err: err}
}

// SetReadyAfter delays readiness of the named resource until the given
// duration elapses, simulating slow provisioning.
func (p *Provider) SetReadyAfter(providerID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyAfter[providerID] = time.Now().Add(d)
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Lookup returns the live resource for an address, or nil.
func (p *Provider) Lookup(resourceType, name string) *engine.RemoteResource {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byName[nameKey(resourceType, name)]
	if !ok {
		return nil
	}
	return p.remote(p.resources[id])
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// Create implements engine.Provider. With idempotency tokens enabled, a
// retried create carrying the same token returns the existing resource
// instead of provisioning a duplicate.
func (p *Provider) Create(_ context.Context, req engine.CreateRequest) (*engine.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "create", Type: req.Type, Name: req.Name, Token: req.IdempotencyToken})
	if err := p.failure("create", engine.MakeAddress(req.Type, req.Name)); err != nil {
		return nil, err
	}

	if req.IdempotencyToken != "" {
		for _, r := range p.resources {
			if r.token == req.IdempotencyToken {
				return &engine.CreateResponse{ProviderID: r.id, Outputs: r.outputs}, nil
			}
		}
	}

	r := &resource{
		id:         uuid.New().String(),
		typ:        req.Type,
		name:       req.Name,
		attributes: cloneMap(req.Attributes),
		token:      req.IdempotencyToken,
	}
	r.outputs = computeOutputs(r)
	p.resources[r.id] = r
	p.byName[nameKey(req.Type, req.Name)] = r.id

	return &engine.CreateResponse{ProviderID: r.id, Outputs: r.outputs}, nil
}

// Read implements engine.Provider. Lookup is by provider ID when set,
// falling back to the logical name.
func (p *Provider) Read(_ context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "read", Type: req.Type, Name: req.Name, ID: req.ProviderID})
	if err := p.failure("read", engine.MakeAddress(req.Type, req.Name)); err != nil {
		return nil, err
	}

	var r *resource
	if req.ProviderID != "" {
		r = p.resources[req.ProviderID]
	} else if req.Name != "" {
		if id, ok := p.byName[nameKey(req.Type, req.Name)]; ok {
			r = p.resources[id]
		}
	}
	return &engine.ReadResponse{Resource: p.remote(r)}, nil
}

// Update implements engine.Provider.
func (p *Provider) Update(_ context.Context, req engine.UpdateRequest) (*engine.UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.resources[req.ProviderID]
	name := ""
	if r != nil {
		name = r.name
	}
	p.calls = append(p.calls, Call{Op: "update", Type: req.Type, Name: name, ID: req.ProviderID})
	if err := p.failure("update", engine.MakeAddress(req.Type, name)); err != nil {
		return nil, err
	}

	if r == nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s not found", req.ProviderID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	r.attributes = cloneMap(req.Attributes)
	r.outputs = computeOutputs(r)
	return &engine.UpdateResponse{Outputs: r.outputs}, nil
}

// Delete implements engine.Provider. Deleting an absent resource succeeds.
func (p *Provider) Delete(_ context.Context, req engine.DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.resources[req.ProviderID]
	name := ""
	if r != nil {
		name = r.name
	}
	p.calls = append(p.calls, Call{Op: "delete", Type: req.Type, Name: name, ID: req.ProviderID})
	if err := p.failure("delete", engine.MakeAddress(req.Type, name)); err != nil {
		return err
	}

	if r != nil {
		delete(p.resources, req.ProviderID)
		if p.byName[nameKey(r.typ, r.name)] == req.ProviderID {
			delete(p.byName, nameKey(r.typ, r.name))
		}
	}
	return nil
}

// Wait implements engine.Provider. It blocks until the resource's
// readiness deadline passes or the context is done.
func (p *Provider) Wait(ctx context.Context, req engine.WaitRequest) error {
	p.mu.Lock()
	deadline, ok := p.readyAfter[req.ProviderID]
	p.mu.Unlock()

	if !ok || time.Now().After(deadline) {
		return nil
	}
	select {
	case <-time.After(time.Until(deadline)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failure consumes one injected failure if a rule matches. Caller holds
// the lock.
func (p *Provider) failure(op, address string) error {
	rule, ok := p.failures[op+":"+address]
	if !ok || rule.remaining == 0 {
		return nil
	}
	rule.remaining--
	return rule.err
}

func (p *Provider) remote(r *resource) *engine.RemoteResource {
	if r == nil {
		return nil
	}
	return &engine.RemoteResource{
		ProviderID: r.id,
		Attributes: cloneMap(r.attributes),
		Outputs:    cloneMap(r.outputs),
	}
}

// computeOutputs derives outputs from attributes: every attribute echoes
// through, plus a synthetic id output for references.
func computeOutputs(r *resource) map[string]any {
	out := cloneMap(r.attributes)
	out["id"] = r.id
	out["name"] = r.name
	return out
}

func nameKey(resourceType, name string) string {
	return resourceType + "/" + name
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
