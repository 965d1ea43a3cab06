// Package saga runs multi-step business transactions with compensating
// rollback on partial failure.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opline/opline/pkg/eventbus"
	"github.com/opline/opline/pkg/events"
	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/otelhelper"
	"github.com/opline/opline/pkg/protocol"
	"github.com/opline/opline/pkg/registry"
	"github.com/opline/opline/pkg/store"
)

// CompensationPrefix names the compensating step for a forward step: the
// compensation of "reserve_ip" is "rollback_reserve_ip".
const CompensationPrefix = "rollback_"

// RunLockPrefix keys the per-saga drive lock. Exactly one caller may hold it,
// so two workers resuming the same saga cannot both execute the current step.
const RunLockPrefix = "saga:run:"

const runLockLease = 5 * time.Minute

var (
	// ErrAwaitingApproval indicates the saga is paused on an approval gate and
	// only ApproveAndContinue may resume it.
	ErrAwaitingApproval = errors.New("saga is awaiting approval")

	// ErrNotAwaitingApproval indicates ApproveAndContinue was called on a saga
	// that is not paused.
	ErrNotAwaitingApproval = errors.New("saga is not awaiting approval")

	// ErrSagaBusy indicates another caller currently holds the saga's drive
	// lock; the saga is already being executed.
	ErrSagaBusy = errors.New("saga is already being driven by another caller")
)

// Engine drives sagas through their step sequence. The saga record is
// persisted after every step so a crashed run can be resumed elsewhere with
// Run; the store is the only state the engine keeps between calls.
type Engine struct {
	store     store.Store
	registry  *registry.Registry
	locks     *lock.Manager
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	hooks     []protocol.LifecycleHooks
	logger    *slog.Logger
}

// NewEngine creates a saga engine. locks serializes concurrent drivers of the
// same saga across workers. publisher and tracer may be nil; events and spans
// are then skipped.
func NewEngine(s store.Store, r *registry.Registry, locks *lock.Manager, publisher eventbus.EventPublisher, tracer trace.Tracer, logger *slog.Logger) *Engine {
	return &Engine{
		store:     s,
		registry:  r,
		locks:     locks,
		publisher: publisher,
		tracer:    tracer,
		logger:    logger.With("module", "saga_engine"),
	}
}

// AddHooks registers lifecycle hooks. Not safe to call concurrently with
// running sagas; wire hooks at startup.
func (e *Engine) AddHooks(hooks ...protocol.LifecycleHooks) {
	e.hooks = append(e.hooks, hooks...)
}

// Start creates a saga of the given registered type and persists it in pending
// state. Metadata is validated against the type's JSON Schema when one is
// defined. The saga does not execute until Run is called.
func (e *Engine) Start(ctx context.Context, sagaType, tenantID string, metadata map[string]any) (*models.Saga, error) {
	def, err := e.registry.Definition(sagaType)
	if err != nil {
		return nil, err
	}

	err = e.registry.ValidateMetadata(sagaType, metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	saga := &models.Saga{
		ID:              uuid.New().String(),
		Type:            sagaType,
		TenantID:        tenantID,
		Steps:           append([]string(nil), def.Steps...),
		Status:          models.SagaStatusPending,
		Metadata:        metadata,
		Results:         []models.StepResult{},
		RollbackEnabled: def.RollbackEnabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = e.store.SaveSaga(ctx, saga)
	if err != nil {
		return nil, err
	}

	e.appendHistory(ctx, saga, nil, "created")

	e.publish(ctx, saga, events.SagaStarted{
		BaseEvent: e.baseEvent(events.SagaStartedEvent, saga),
		SagaID:    saga.ID,
		SagaType:  saga.Type,
		Steps:     saga.Steps,
	})

	e.logger.InfoContext(ctx, "Created saga", "saga_id", saga.ID, "saga_type", sagaType, "steps", len(saga.Steps))

	return saga, nil
}

// Run executes a saga from its current step to completion, failure or an
// approval gate. Calling Run on a terminal saga is a no-op returning the saga
// unchanged, so retried run requests are harmless. A saga paused on an
// approval gate is returned together with ErrAwaitingApproval. A saga already
// held by another driver is rejected with ErrSagaBusy rather than executed a
// second time.
func (e *Engine) Run(ctx context.Context, sagaID string) (*models.Saga, error) {
	release, err := e.acquireRunLock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer release()

	saga, err := e.store.Saga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.Status.Terminal() {
		return saga, nil
	}

	if saga.Status == models.SagaStatusWaitingApproval {
		return saga, ErrAwaitingApproval
	}

	return e.run(ctx, saga)
}

// ApproveAndContinue resumes a saga paused on an approval gate. The approval
// payload is stored on the saga and visible to the executor, which re-runs the
// gated step; the step index does not advance while paused.
func (e *Engine) ApproveAndContinue(ctx context.Context, sagaID string, approvalData map[string]any) (*models.Saga, error) {
	release, err := e.acquireRunLock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer release()

	saga, err := e.store.Saga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.Status != models.SagaStatusWaitingApproval {
		return saga, fmt.Errorf("%w: saga %s is %s", ErrNotAwaitingApproval, sagaID, saga.Status)
	}

	saga.ApprovalData = approvalData
	e.appendHistory(ctx, saga, nil, "approved")

	e.logger.InfoContext(ctx, "Approved saga", "saga_id", saga.ID, "step", saga.Steps[saga.Current])

	return e.run(ctx, saga)
}

// acquireRunLock takes the saga's drive lock, single shot. Every read-run-save
// of a saga record happens under it, so concurrent drivers cannot both load
// the same step index and execute the step twice.
func (e *Engine) acquireRunLock(ctx context.Context, sagaID string) (func(), error) {
	handle, ok, err := e.locks.AcquireWithLease(ctx, RunLockPrefix+sagaID, runLockLease)
	if err != nil {
		return nil, fmt.Errorf("acquiring saga run lock: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaBusy, sagaID)
	}

	return func() {
		_, _ = e.locks.Release(ctx, handle)
	}, nil
}

func (e *Engine) run(ctx context.Context, saga *models.Saga) (*models.Saga, error) {
	executor, err := e.registry.ExecutorFor(saga.Type)
	if err != nil {
		return nil, err
	}

	saga.Status = models.SagaStatusRunning
	saga.UpdatedAt = time.Now()

	err = e.store.SaveSaga(ctx, saga)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("saga_id", saga.ID, "saga_type", saga.Type)

	for saga.Current < len(saga.Steps) {
		step := saga.Steps[saga.Current]

		e.fireOnStepStarted(ctx, saga, step)

		result := e.executeStep(ctx, executor, saga, step)

		if result.RequiresApproval {
			saga.Status = models.SagaStatusWaitingApproval
			saga.UpdatedAt = time.Now()

			err = e.store.SaveSaga(ctx, saga)
			if err != nil {
				return nil, err
			}

			e.appendHistory(ctx, saga, result, "awaiting approval")

			e.publish(ctx, saga, events.SagaWaitingApproval{
				BaseEvent: e.baseEvent(events.SagaWaitingApprovalEvent, saga),
				SagaID:    saga.ID,
				Step:      step,
			})

			logger.InfoContext(ctx, "Saga paused on approval gate", "step", step)

			return saga, nil
		}

		saga.Results = append(saga.Results, *result)
		saga.Current = len(saga.Results)
		saga.UpdatedAt = time.Now()

		if !result.Success {
			saga.Status = models.SagaStatusFailed

			err = e.store.SaveSaga(ctx, saga)
			if err != nil {
				return nil, err
			}

			e.appendHistory(ctx, saga, result, "step failed")

			logger.WarnContext(ctx, "Saga step failed",
				"step", step, "error_kind", result.ErrorKind, "message", result.Message)

			return e.failAndCompensate(ctx, saga, executor, result)
		}

		err = e.store.SaveSaga(ctx, saga)
		if err != nil {
			return nil, err
		}

		e.appendHistory(ctx, saga, result, "")

		e.publish(ctx, saga, events.SagaStepCompleted{
			BaseEvent: e.baseEvent(events.SagaStepCompletedEvent, saga),
			SagaID:    saga.ID,
			StepIndex: saga.Current - 1,
			Result:    *result,
		})

		e.fireOnStepCompleted(ctx, saga, *result)

		logger.DebugContext(ctx, "Saga step completed", "step", step, "step_index", saga.Current-1)
	}

	saga.Status = models.SagaStatusCompleted
	saga.UpdatedAt = time.Now()

	err = e.store.SaveSaga(ctx, saga)
	if err != nil {
		return nil, err
	}

	e.appendHistory(ctx, saga, nil, "completed")

	e.publish(ctx, saga, events.SagaCompleted{
		BaseEvent: e.baseEvent(events.SagaCompletedEvent, saga),
		SagaID:    saga.ID,
		Duration:  saga.UpdatedAt.Sub(saga.CreatedAt),
	})

	logger.InfoContext(ctx, "Saga completed", "steps", len(saga.Results))

	return saga, nil
}

// failAndCompensate publishes the failure and, when rollback is enabled, runs
// the compensations of every step completed before the failed one, newest
// first. The saga ends rolled_back only when every compensation succeeds;
// otherwise it stays failed.
func (e *Engine) failAndCompensate(ctx context.Context, saga *models.Saga, executor protocol.StepExecutor, failed *models.StepResult) (*models.Saga, error) {
	failedIndex := len(saga.Results) - 1

	var rollbackSteps []string

	if saga.RollbackEnabled {
		for i := failedIndex - 1; i >= 0; i-- {
			rollbackSteps = append(rollbackSteps, CompensationPrefix+saga.Steps[i])
		}
	}

	e.publish(ctx, saga, events.SagaFailed{
		BaseEvent:     e.baseEvent(events.SagaFailedEvent, saga),
		SagaID:        saga.ID,
		Step:          failed.Step,
		Error:         failed.Message,
		RollbackSteps: rollbackSteps,
	})

	if len(rollbackSteps) == 0 {
		return saga, nil
	}

	logger := e.logger.With("saga_id", saga.ID, "saga_type", saga.Type)
	logger.InfoContext(ctx, "Rolling back saga", "compensations", len(rollbackSteps))

	allCompensated := true

	for _, step := range rollbackSteps {
		result := e.executeStep(ctx, executor, saga, step)

		saga.CompensationResults = append(saga.CompensationResults, *result)
		saga.UpdatedAt = time.Now()

		err := e.store.SaveSaga(ctx, saga)
		if err != nil {
			return nil, err
		}

		e.appendHistory(ctx, saga, result, "compensation")

		if !result.Success {
			allCompensated = false

			logger.ErrorContext(ctx, "Compensation failed; saga stays failed",
				"step", step, "message", result.Message)

			break
		}
	}

	if !allCompensated {
		return saga, nil
	}

	saga.Status = models.SagaStatusRolledBack
	saga.UpdatedAt = time.Now()

	err := e.store.SaveSaga(ctx, saga)
	if err != nil {
		return nil, err
	}

	e.appendHistory(ctx, saga, nil, "rolled back")

	e.publish(ctx, saga, events.SagaRolledBack{
		BaseEvent:     e.baseEvent(events.SagaRolledBackEvent, saga),
		SagaID:        saga.ID,
		RollbackSteps: rollbackSteps,
	})

	logger.InfoContext(ctx, "Saga rolled back", "compensations", len(rollbackSteps))

	return saga, nil
}

// executeStep invokes the executor and normalizes every failure mode into a
// StepResult: a returned error, a panic or a missing result all become a
// failed result tagged step_execution_error, so engine control flow is never
// unwound by executor misbehavior.
func (e *Engine) executeStep(ctx context.Context, executor protocol.StepExecutor, saga *models.Saga, step string) (result *models.StepResult) {
	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "saga.step",
			attribute.String(otelhelper.SagaIDKey, saga.ID),
			attribute.String(otelhelper.SagaTypeKey, saga.Type),
			attribute.String(otelhelper.StepNameKey, step),
			attribute.Int(otelhelper.StepIndexKey, saga.Current),
		)
		defer func() {
			if !result.Success {
				otelhelper.SetError(span, errors.New(result.Message))
			}

			span.End()
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Step executor panicked",
				"saga_id", saga.ID, "step", step, "panic", r)

			result = &models.StepResult{
				Success:   false,
				Step:      step,
				ErrorKind: models.ErrKindStepExecution,
				Message:   fmt.Sprintf("step executor panicked: %v", r),
			}
		}
	}()

	sc := protocol.StepContext{
		SagaID:       saga.ID,
		SagaType:     saga.Type,
		TenantID:     saga.TenantID,
		Metadata:     saga.Metadata,
		ApprovalData: saga.ApprovalData,
		Results:      saga.Results,
	}

	result, err := executor.ExecuteStep(ctx, step, sc)
	if err != nil {
		return &models.StepResult{
			Success:   false,
			Step:      step,
			ErrorKind: models.ErrKindStepExecution,
			Message:   err.Error(),
		}
	}

	if result == nil {
		return &models.StepResult{
			Success:   false,
			Step:      step,
			ErrorKind: models.ErrKindStepExecution,
			Message:   "step executor returned no result",
		}
	}

	if result.Step == "" {
		result.Step = step
	}

	if !result.Success && result.ErrorKind == "" {
		result.ErrorKind = models.ErrKindStepFailed
	}

	return result
}

func (e *Engine) fireOnStepStarted(ctx context.Context, saga *models.Saga, step string) {
	for _, hook := range e.hooks {
		e.fireHook(ctx, saga, "OnStepStarted", func() error {
			return hook.OnStepStarted(ctx, saga, step)
		})
	}
}

func (e *Engine) fireOnStepCompleted(ctx context.Context, saga *models.Saga, result models.StepResult) {
	for _, hook := range e.hooks {
		e.fireHook(ctx, saga, "OnStepCompleted", func() error {
			return hook.OnStepCompleted(ctx, saga, result)
		})
	}
}

// fireHook runs one hook invocation, containing panics and logging errors.
func (e *Engine) fireHook(ctx context.Context, saga *models.Saga, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WarnContext(ctx, "Lifecycle hook panicked", "hook", name, "saga_id", saga.ID, "panic", r)
		}
	}()

	err := fn()
	if err != nil {
		e.logger.WarnContext(ctx, "Lifecycle hook failed", "hook", name, "saga_id", saga.ID, "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, saga *models.Saga) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		TenantID:  saga.TenantID,
	}
}

func (e *Engine) publish(ctx context.Context, saga *models.Saga, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, saga.ID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish saga event",
			"saga_id", saga.ID, "event_type", event.GetType(), "error", err)
	}
}

// appendHistory records a transition in the append-only history log. Log
// failures are downgraded to warnings; the saga record itself stays the
// source of truth.
func (e *Engine) appendHistory(ctx context.Context, saga *models.Saga, result *models.StepResult, note string) {
	entry := &models.SagaHistoryEntry{
		SagaID:    saga.ID,
		Status:    saga.Status,
		StepIndex: saga.Current,
		Result:    result,
		Note:      note,
		At:        time.Now(),
	}

	err := e.store.AppendSagaHistory(ctx, entry)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to append saga history", "saga_id", saga.ID, "error", err)
	}
}
