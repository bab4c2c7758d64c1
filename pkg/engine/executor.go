package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent operations within a batch.
	MaxParallel int

	// Retry bounds the retry loop for transient and throttled errors.
	Retry RetryPolicy

	// WaitTimeout bounds readiness polling per operation.
	WaitTimeout time.Duration

	// LockTTL is the age past which a state lock is considered stale and
	// broken.
	LockTTL time.Duration

	// Logger receives structured execution logs.
	Logger zerolog.Logger

	// Metrics receives execution metrics; nil means no metrics.
	Metrics MetricsSink
}

// Executor applies a plan against providers, batch by batch. It holds the
// state store lock for the duration of the apply, retries retryable
// provider errors with exponential backoff, skips operations whose
// dependencies failed, and records every outcome in the audit trail.
//
// Cancellation is honored between batches: in-flight operations run to
// completion, unstarted ones are marked cancelled. There is no rollback; a
// partial apply leaves state reflecting exactly what succeeded.
type Executor struct {
	store     StateStore
	audit     AuditStore
	providers *ProviderRegistry
	opts      ExecutorOptions
	tracer    trace.Tracer

	mu       sync.Mutex
	graph    *Graph
	statuses map[string]OperationStatus
	// replacedIDs remembers the old provider ID of a create-before-destroy
	// replace, captured before create-new overwrites the record.
	replacedIDs map[string]string
	// tokens are idempotency tokens, stable across retries of one
	// scheduled operation.
	tokens map[string]string
}

// NewExecutor creates an executor over the given store, audit trail, and
// provider registry.
func NewExecutor(store StateStore, audit AuditStore, providers *ProviderRegistry, opts ExecutorOptions) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 10
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	return &Executor{
		store:       store,
		audit:       audit,
		providers:   providers,
		opts:        opts,
		tracer:      otel.Tracer("terrane/engine"),
		statuses:    make(map[string]OperationStatus),
		replacedIDs: make(map[string]string),
		tokens:      make(map[string]string),
	}
}

// Apply executes the plan. The plan is consumed: a second Apply of the same
// plan fails with a conflict error before touching any provider.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if err := plan.consume(); err != nil {
		return nil, err
	}

	batches, err := Schedule(plan)
	if err != nil {
		return nil, err
	}
	e.graph = plan.Graph()

	runID := uuid.New().String()
	logger := e.opts.Logger.With().Str("run_id", runID).Logger()

	ctx, span := e.tracer.Start(ctx, "executor.apply",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	if err := e.store.AcquireLock(ctx, runID, e.opts.LockTTL); err != nil {
		return nil, err
	}
	defer func() {
		// Release on a fresh context so cancellation cannot strand the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.ReleaseLock(releaseCtx, runID); err != nil {
			logger.Error().Err(err).Msg("failed to release state lock")
		}
	}()

	result := &ApplyResult{
		RunID:     runID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	run := &Run{ID: runID, Status: RunStatusRunning, Summary: plan.Summary, StartedAt: result.StartedAt}
	if e.audit != nil {
		if err := e.audit.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
	}

	cancelled := false
	for _, batch := range batches {
		// Cancellation is checked here and only here; operations already
		// dispatched in the previous batch have completed.
		if ctx.Err() != nil {
			cancelled = true
			e.cancelRemaining(batches, batch.Level, result, runID)
			break
		}

		logger.Info().Int("batch", batch.Level).Int("operations", len(batch.Operations)).
			Msg("executing batch")
		e.event(runID, "", "batch.start", fmt.Sprintf("batch %d: %d operations", batch.Level, len(batch.Operations)))

		e.runBatch(ctx, batch, result, runID, logger)
	}

	result.CompletedAt = time.Now()
	result.Status = e.finalStatus(result, cancelled)
	span.SetAttributes(attribute.String("run.status", string(result.Status)))

	e.opts.Metrics.RunCompleted(result.Status, result.CompletedAt.Sub(result.StartedAt))

	if e.audit != nil {
		if err := e.audit.UpdateRunStatus(context.WithoutCancel(ctx), runID, result.Status); err != nil {
			logger.Error().Err(err).Msg("failed to update run status")
		}
	}
	logger.Info().Str("status", string(result.Status)).Msg("apply finished")

	return result, nil
}

// runBatch executes one batch with a bounded worker pool.
func (e *Executor) runBatch(ctx context.Context, batch ExecutionBatch, result *ApplyResult, runID string, logger zerolog.Logger) {
	workers := e.opts.MaxParallel
	if len(batch.Operations) < workers {
		workers = len(batch.Operations)
	}

	queue := make(chan *ScheduledOperation, len(batch.Operations))
	for _, op := range batch.Operations {
		queue <- op
	}
	close(queue)

	results := make([]*OperationResult, len(batch.Operations))
	index := make(map[string]int, len(batch.Operations))
	for i, op := range batch.Operations {
		index[op.ID] = i
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range queue {
				results[index[op.ID]] = e.runOperation(ctx, op, runID, logger)
			}
		}()
	}
	wg.Wait()

	for _, r := range results {
		result.Operations = append(result.Operations, r)
		e.opts.Metrics.OperationApplied(r.Kind, r.Status, r.Duration)
		if e.audit != nil {
			if err := e.audit.RecordOperation(context.WithoutCancel(ctx), runID, r); err != nil {
				logger.Error().Err(err).Str("operation", r.ID).Msg("failed to record operation")
			}
		}
	}
}

// runOperation executes one scheduled operation, including the dependency
// check and the retry loop.
func (e *Executor) runOperation(ctx context.Context, op *ScheduledOperation, runID string, logger zerolog.Logger) *OperationResult {
	res := &OperationResult{
		ID:      op.ID,
		Address: op.Op.Address,
		Kind:    op.Kind(),
		Phase:   op.Phase,
	}
	start := time.Now()

	if failedDep := e.failedDependency(op); failedDep != "" {
		res.Status = OperationStatusSkipped
		res.Error = fmt.Sprintf("dependency %s did not succeed", failedDep)
		e.setStatus(op.ID, OperationStatusSkipped)
		e.event(runID, op.Op.Address, "operation.skipped", res.Error)
		logger.Warn().Str("operation", op.ID).Str("dependency", failedDep).Msg("skipping operation")
		return res
	}

	ctx, span := e.tracer.Start(ctx, "executor.operation",
		trace.WithAttributes(
			attribute.String("resource.address", op.Op.Address),
			attribute.String("operation.kind", string(op.Kind())),
		))
	defer span.End()

	err := e.executeWithRetry(ctx, op, res, runID, logger)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = OperationStatusFailed
		res.Error = err.Error()
		e.setStatus(op.ID, OperationStatusFailed)
		e.event(runID, op.Op.Address, "operation.failed", err.Error())
		logger.Error().Err(err).Str("operation", op.ID).Int("attempts", res.Attempts).
			Msg("operation failed")
		return res
	}

	res.Status = OperationStatusSucceeded
	e.setStatus(op.ID, OperationStatusSucceeded)
	logger.Info().Str("operation", op.ID).Dur("duration", res.Duration).Msg("operation succeeded")
	return res
}

// executeWithRetry runs the provider calls for one operation, retrying
// transient and throttled errors with exponential backoff and jitter.
func (e *Executor) executeWithRetry(ctx context.Context, op *ScheduledOperation, res *OperationResult, runID string, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < e.opts.Retry.MaxAttempts; attempt++ {
		res.Attempts++
		lastErr = e.execute(ctx, op, attempt > 0)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == e.opts.Retry.MaxAttempts-1 {
			break
		}

		backoff := e.backoff(attempt, lastErr)
		e.opts.Metrics.OperationRetried(op.Kind())
		e.event(runID, op.Op.Address, "operation.retry",
			fmt.Sprintf("attempt %d failed, retrying in %s: %v", res.Attempts, backoff, lastErr))
		logger.Warn().Err(lastErr).Str("operation", op.ID).Dur("backoff", backoff).
			Msg("retrying operation")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NewPermanentError("operation cancelled during backoff", ctx.Err())
		}
	}
	return lastErr
}

// execute dispatches one provider interaction by operation kind. retrying
// is true when a previous attempt failed partway.
func (e *Executor) execute(ctx context.Context, op *ScheduledOperation, retrying bool) error {
	switch op.Kind() {
	case OperationCreate:
		return e.executeCreate(ctx, op, retrying)
	case OperationUpdate:
		return e.executeUpdate(ctx, op)
	case OperationDestroy:
		return e.executeDestroy(ctx, op)
	default:
		return NewPermanentError(fmt.Sprintf("unexpected operation kind %s", op.Kind()), nil).
			WithCode(ErrCodeInternal).WithResource(op.Op.Address)
	}
}

// executeCreate provisions a resource (or the new instance of a replace)
// and persists its record. When the provider lacks idempotency tokens and
// this is a retry, current remote state is read first so a create that
// partially happened is adopted rather than duplicated.
func (e *Executor) executeCreate(ctx context.Context, op *ScheduledOperation, retrying bool) error {
	node := e.node(op)
	provider, err := e.providers.Resolve(node.Type)
	if err != nil {
		return err
	}

	attrs, err := e.resolveAttributes(ctx, node.Attributes)
	if err != nil {
		return err
	}

	// Capture the outgoing provider ID before create-new overwrites the
	// record; destroy-old needs it later.
	if op.Phase == PhaseCreateNew {
		if rec, err := e.store.GetRecord(ctx, node.Address); err == nil && rec != nil {
			e.mu.Lock()
			e.replacedIDs[node.Address] = rec.ProviderID
			e.mu.Unlock()
		}
	}

	caps := provider.Capabilities()
	var resp *CreateResponse

	if retrying && !caps.IdempotencyTokens {
		read, err := provider.Read(ctx, ReadRequest{Type: node.Type, Name: node.Name})
		if err == nil && read != nil && read.Resource != nil {
			e.mu.Lock()
			oldID := e.replacedIDs[node.Address]
			e.mu.Unlock()
			// During create-before-destroy the old instance is still live
			// under the same name. It must never be adopted as the new
			// one: destroy-old deletes the captured old ID, and the record
			// would end up pointing at a destroyed resource.
			if read.Resource.ProviderID != oldID {
				resp = &CreateResponse{
					ProviderID: read.Resource.ProviderID,
					Outputs:    read.Resource.Outputs,
				}
			}
		}
	}

	if resp == nil {
		req := CreateRequest{Type: node.Type, Name: node.Name, Attributes: attrs}
		if caps.IdempotencyTokens {
			req.IdempotencyToken = e.token(op.ID)
		}
		resp, err = provider.Create(ctx, req)
		if err != nil {
			return err
		}
	}

	if caps.ReadinessPolling {
		if err := e.wait(ctx, provider, node, OperationCreate, resp.ProviderID); err != nil {
			return err
		}
	}

	return e.persist(ctx, node, resp.ProviderID, resp.Outputs)
}

// executeUpdate applies in-place changes and refreshes the record.
func (e *Executor) executeUpdate(ctx context.Context, op *ScheduledOperation) error {
	node := e.node(op)
	provider, err := e.providers.Resolve(node.Type)
	if err != nil {
		return err
	}

	rec, err := e.store.GetRecord(ctx, node.Address)
	if err != nil {
		return err
	}
	if rec == nil {
		return NewPermanentError("no state record for update", nil).
			WithCode(ErrCodeNotFound).WithResource(node.Address)
	}

	attrs, err := e.resolveAttributes(ctx, node.Attributes)
	if err != nil {
		return err
	}

	resp, err := provider.Update(ctx, UpdateRequest{
		Type:       node.Type,
		ProviderID: rec.ProviderID,
		Attributes: attrs,
	})
	if err != nil {
		return err
	}

	if provider.Capabilities().ReadinessPolling {
		if err := e.wait(ctx, provider, node, OperationUpdate, rec.ProviderID); err != nil {
			return err
		}
	}

	outputs := rec.Outputs
	if resp != nil && resp.Outputs != nil {
		outputs = resp.Outputs
	}
	return e.persist(ctx, node, rec.ProviderID, outputs)
}

// executeDestroy deletes a resource. For the destroy-old half of a replace
// the state record already describes the new instance, so only the captured
// old provider ID is deleted and the record is left alone.
func (e *Executor) executeDestroy(ctx context.Context, op *ScheduledOperation) error {
	addr := op.Op.Address

	var resourceType, providerID string
	if op.Phase == PhaseDestroyOld {
		e.mu.Lock()
		providerID = e.replacedIDs[addr]
		e.mu.Unlock()
		if node := e.node(op); node != nil {
			resourceType = node.Type
		}
		if providerID == "" {
			// Create-new has not run yet, so this is the destroy-first
			// half of a destroy-before-create replace. The record still
			// describes the old instance; it stays in place for create-new
			// to overwrite.
			rec, err := e.store.GetRecord(ctx, addr)
			if err != nil {
				return err
			}
			if rec == nil {
				// No live instance, nothing to destroy.
				return nil
			}
			resourceType = rec.Type
			providerID = rec.ProviderID
		}
	} else {
		rec, err := e.store.GetRecord(ctx, addr)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		resourceType = rec.Type
		providerID = rec.ProviderID
	}

	provider, err := e.providers.Resolve(resourceType)
	if err != nil {
		return err
	}

	if err := provider.Delete(ctx, DeleteRequest{Type: resourceType, ProviderID: providerID}); err != nil {
		return err
	}

	if op.Phase != PhaseDestroyOld {
		return e.store.DeleteRecord(ctx, addr)
	}
	return nil
}

// wait polls readiness within the configured window.
func (e *Executor) wait(ctx context.Context, provider Provider, node *ResourceNode, kind OperationKind, providerID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.WaitTimeout)
	defer cancel()

	err := provider.Wait(waitCtx, WaitRequest{Type: node.Type, ProviderID: providerID})
	if err == nil {
		return nil
	}
	if waitCtx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Resource: node.Address, Operation: string(kind), Timeout: e.opts.WaitTimeout}
	}
	return err
}

// persist writes the post-apply record. The store increments the serial.
func (e *Executor) persist(ctx context.Context, node *ResourceNode, providerID string, outputs map[string]any) error {
	return e.store.UpsertRecord(ctx, &StateRecord{
		Address:      node.Address,
		Type:         node.Type,
		ProviderID:   providerID,
		Attributes:   node.Attributes,
		Outputs:      outputs,
		Dependencies: node.DependsOn,
		Labels:       node.Labels,
	})
}

// resolveAttributes replaces symbolic references with the referenced
// resources' recorded outputs. Dependencies executed in earlier batches, so
// their records are current by the time this runs.
func (e *Executor) resolveAttributes(ctx context.Context, attrs map[string]any) (map[string]any, error) {
	var resolveErr error
	resolved := mapValues(attrs, func(v string) any {
		ref, ok := ParseReference(v)
		if !ok {
			return v
		}
		rec, err := e.store.GetRecord(ctx, ref.Target)
		if err != nil {
			resolveErr = err
			return v
		}
		if rec == nil {
			resolveErr = NewPermanentError(
				fmt.Sprintf("reference target %s has no state", ref.Target), nil).
				WithCode(ErrCodeUnresolvedRef)
			return v
		}
		out, exists := rec.Outputs[ref.Attribute]
		if !exists {
			resolveErr = NewPermanentError(
				fmt.Sprintf("reference target %s has no output %q", ref.Target, ref.Attribute), nil).
				WithCode(ErrCodeUnresolvedRef)
			return v
		}
		return out
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return resolved, nil
}

// mapValues deep-copies a nested attribute structure, mapping every string
// value through fn.
func mapValues(attrs map[string]any, fn func(string) any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = mapValue(v, fn)
	}
	return out
}

func mapValue(v any, fn func(string) any) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		return mapValues(val, fn)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = mapValue(item, fn)
		}
		return out
	default:
		return v
	}
}

// node returns the graph node behind a scheduled operation, nil for
// destroys of undeclared resources. Those never reach the paths that need
// a node; executeDestroy reads the record instead.
func (e *Executor) node(op *ScheduledOperation) *ResourceNode {
	if e.graph == nil {
		return nil
	}
	return e.graph.Node(op.Op.Address)
}

// failedDependency returns the ID of the first dependency that did not
// succeed, or empty when the operation may run.
func (e *Executor) failedDependency(op *ScheduledOperation) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range op.DependsOn {
		if e.statuses[dep] != OperationStatusSucceeded {
			return dep
		}
	}
	return ""
}

// setStatus records a terminal operation status.
func (e *Executor) setStatus(id string, status OperationStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[id] = status
}

// cancelRemaining marks every operation from the given batch onward as
// cancelled.
func (e *Executor) cancelRemaining(batches []ExecutionBatch, fromLevel int, result *ApplyResult, runID string) {
	for _, batch := range batches {
		if batch.Level < fromLevel {
			continue
		}
		for _, op := range batch.Operations {
			e.setStatus(op.ID, OperationStatusCancelled)
			result.Operations = append(result.Operations, &OperationResult{
				ID:      op.ID,
				Address: op.Op.Address,
				Kind:    op.Kind(),
				Phase:   op.Phase,
				Status:  OperationStatusCancelled,
				Error:   "apply cancelled",
			})
		}
	}
	e.event(runID, "", "run.cancelled", "apply cancelled between batches")
}

// finalStatus derives the run status from per-operation outcomes.
func (e *Executor) finalStatus(result *ApplyResult, cancelled bool) RunStatus {
	if cancelled {
		return RunStatusCancelled
	}
	succeeded, failed, skipped, _ := result.Counts()
	switch {
	case failed == 0 && skipped == 0:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// backoff computes exponential backoff with jitter. Throttled errors start
// from a larger base delay.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.opts.Retry.InitialBackoff
	if IsThrottled(err) {
		base *= 4
	}

	delay := time.Duration(float64(base) * math.Pow(e.opts.Retry.Multiplier, float64(attempt)))
	if delay > e.opts.Retry.MaxBackoff {
		delay = e.opts.Retry.MaxBackoff
	}

	// Jitter of up to 25% avoids retry stampedes within a batch.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// token returns the idempotency token for a scheduled operation, creating
// it on first use. Tokens survive retries but not runs.
func (e *Executor) token(opID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tokens[opID]; ok {
		return t
	}
	t := uuid.New().String()
	e.tokens[opID] = t
	return t
}

// event appends an audit event, best effort.
func (e *Executor) event(runID, resource, eventType, message string) {
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.audit.AppendEvent(ctx, &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		Resource:  resource,
		Message:   message,
		Timestamp: time.Now(),
	})
}
