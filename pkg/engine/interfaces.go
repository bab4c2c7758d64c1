package engine

import (
	"context"
	"time"
)

// StateStore persists resource state records and serializes applies through
// a single-writer lock. Implementations must be safe for concurrent use.
type StateStore interface {
	// GetRecord returns the record at the given address, or nil if the
	// resource has never been applied.
	GetRecord(ctx context.Context, address string) (*StateRecord, error)

	// ListRecords returns all records ordered by address.
	ListRecords(ctx context.Context) ([]*StateRecord, error)

	// UpsertRecord inserts or replaces a record, incrementing its serial.
	UpsertRecord(ctx context.Context, record *StateRecord) error

	// DeleteRecord removes a record. Deleting an absent address is not an
	// error.
	DeleteRecord(ctx context.Context, address string) error

	// AcquireLock takes the single-writer lock for the given holder.
	// It fails fast with *LockHeldError when another holder has it and the
	// lock is younger than staleAfter; stale locks are broken.
	AcquireLock(ctx context.Context, holder string, staleAfter time.Duration) error

	// ReleaseLock releases the lock if held by the given holder.
	ReleaseLock(ctx context.Context, holder string) error
}

// AuditStore records runs and their operations so a partial apply remains
// fully auditable. The SQLite store implements both StateStore and
// AuditStore.
type AuditStore interface {
	// CreateRun inserts a run row in pending status.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRunStatus moves a run to a new status.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error

	// RecordOperation persists the terminal result of one operation.
	RecordOperation(ctx context.Context, runID string, result *OperationResult) error

	// AppendEvent adds a timeline event to a run.
	AppendEvent(ctx context.Context, event *Event) error

	// GetRun returns a run with its recorded operations.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs newest-first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
}

// Run is one apply execution tracked in the audit trail.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// Status is the current run status.
	Status RunStatus `json:"status"`

	// Summary is the plan summary the run applied.
	Summary PlanSummary `json:"summary"`

	// Operations are the recorded operation results, populated by GetRun.
	Operations []*OperationResult `json:"operations,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is a timeline entry attached to a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// RunID links the event to its run.
	RunID string `json:"run_id"`

	// Type categorizes the event (e.g., "batch.start", "operation.retry").
	Type string `json:"type"`

	// Resource is the resource address, if the event is resource-scoped.
	Resource string `json:"resource,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	Timestamp time.Time `json:"timestamp"`
}

// MetricsSink receives execution metrics. The telemetry package provides a
// Prometheus-backed implementation; tests use a no-op.
type MetricsSink interface {
	// OperationApplied records a finished operation with its terminal
	// status.
	OperationApplied(kind OperationKind, status OperationStatus, duration time.Duration)

	// OperationRetried records one retry attempt.
	OperationRetried(kind OperationKind)

	// RunCompleted records a finished run.
	RunCompleted(status RunStatus, duration time.Duration)
}

// NopMetrics is a MetricsSink that discards everything.
type NopMetrics struct{}

func (NopMetrics) OperationApplied(OperationKind, OperationStatus, time.Duration) {}
func (NopMetrics) OperationRetried(OperationKind)                                 {}
func (NopMetrics) RunCompleted(RunStatus, time.Duration)                          {}
