package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory StateStore and AuditStore for executor and
// differ tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
	runs    map[string]*Run
	events  []*Event

	lockHolder string
	lockSince  time.Time
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*StateRecord),
		runs:    make(map[string]*Run),
	}
}

func (m *memStore) GetRecord(_ context.Context, address string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[address]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListRecords(_ context.Context) ([]*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StateRecord, 0, len(m.records))
	for _, addr := range sortedAddresses(m.records) {
		cp := *m.records[addr]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpsertRecord(_ context.Context, record *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	if prev, ok := m.records[record.Address]; ok {
		cp.Serial = prev.Serial + 1
	} else {
		cp.Serial = 1
	}
	cp.UpdatedAt = time.Now()
	m.records[record.Address] = &cp
	return nil
}

func (m *memStore) DeleteRecord(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, address)
	return nil
}

func (m *memStore) AcquireLock(_ context.Context, holder string, staleAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHolder != "" && m.lockHolder != holder {
		if time.Since(m.lockSince) < staleAfter {
			return &LockHeldError{Holder: m.lockHolder, AcquiredAt: m.lockSince}
		}
	}
	m.lockHolder = holder
	m.lockSince = time.Now()
	return nil
}

func (m *memStore) ReleaseLock(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHolder == holder {
		m.lockHolder = ""
	}
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.Status = status
		now := time.Now()
		run.CompletedAt = &now
	}
	return nil
}

func (m *memStore) RecordOperation(_ context.Context, runID string, result *OperationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.Operations = append(run.Operations, result)
	}
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, NewPermanentError("run not found", nil).WithCode(ErrCodeNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeProvider is a scriptable Provider for executor tests. It records
// calls and can fail a number of times per operation and address.
type fakeProvider struct {
	mu   sync.Mutex
	caps ProviderCapabilities

	nextID    int
	resources map[string]*RemoteResource // provider ID -> resource
	byName    map[string]string

	failures map[string]*fakeFailure
	calls    []string // "op address" entries in invocation order
}

type fakeFailure struct {
	remaining int
	err       error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		resources: make(map[string]*RemoteResource),
		byName:    make(map[string]string),
		failures:  make(map[string]*fakeFailure),
	}
}

func (p *fakeProvider) failNext(op, address string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+" "+address] = &fakeFailure{remaining: n, err: err}
}

func (p *fakeProvider) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakeProvider) record(op, address string) error {
	p.calls = append(p.calls, op+" "+address)
	if f, ok := p.failures[op+" "+address]; ok && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return nil
}

func (p *fakeProvider) Name() string                      { return "fake" }
func (p *fakeProvider) Capabilities() ProviderCapabilities { return p.caps }

func (p *fakeProvider) Create(_ context.Context, req CreateRequest) (*CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := MakeAddress(req.Type, req.Name)
	if err := p.record("create", addr); err != nil {
		return nil, err
	}

	p.nextID++
	id := fmt.Sprintf("%s-%d", req.Name, p.nextID)
	outputs := map[string]any{"id": id}
	for k, v := range req.Attributes {
		outputs[k] = v
	}
	p.resources[id] = &RemoteResource{ProviderID: id, Attributes: req.Attributes, Outputs: outputs}
	p.byName[addr] = id
	return &CreateResponse{ProviderID: id, Outputs: outputs}, nil
}

func (p *fakeProvider) Read(_ context.Context, req ReadRequest) (*ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := MakeAddress(req.Type, req.Name)
	if err := p.record("read", addr); err != nil {
		return nil, err
	}
	if req.ProviderID != "" {
		return &ReadResponse{Resource: p.resources[req.ProviderID]}, nil
	}
	if id, ok := p.byName[addr]; ok {
		return &ReadResponse{Resource: p.resources[id]}, nil
	}
	return &ReadResponse{}, nil
}

func (p *fakeProvider) Update(_ context.Context, req UpdateRequest) (*UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.resources[req.ProviderID]
	addr := ""
	if res != nil {
		for name, id := range p.byName {
			if id == req.ProviderID {
				addr = name
			}
		}
	}
	if err := p.record("update", addr); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, NewPermanentError("not found", nil).WithCode(ErrCodeNotFound)
	}
	outputs := map[string]any{"id": req.ProviderID}
	for k, v := range req.Attributes {
		outputs[k] = v
	}
	res.Attributes = req.Attributes
	res.Outputs = outputs
	return &UpdateResponse{Outputs: outputs}, nil
}

func (p *fakeProvider) Delete(_ context.Context, req DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := ""
	for name, id := range p.byName {
		if id == req.ProviderID {
			addr = name
		}
	}
	if err := p.record("delete", addr); err != nil {
		return err
	}
	delete(p.resources, req.ProviderID)
	if addr != "" {
		delete(p.byName, addr)
	}
	return nil
}

func (p *fakeProvider) Wait(_ context.Context, _ WaitRequest) error { return nil }

func testRegistry(t interface{ Fatalf(string, ...any) }, p Provider) *ProviderRegistry {
	registry := NewProviderRegistry()
	if err := registry.Register("static", p); err != nil {
		t.Fatalf("failed to register provider: %v", err)
	}
	return registry
}
