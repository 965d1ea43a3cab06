// Package protocol defines the contracts between the saga engine and the
// business code that plugs into it.
package protocol

import (
	"context"

	"github.com/opline/opline/pkg/models"
)

// StepContext is the slice of saga state a step executor may read. Executors
// communicate back exclusively through the returned StepResult; they never
// mutate the saga record directly.
type StepContext struct {
	SagaID       string
	SagaType     string
	TenantID     string
	Metadata     map[string]any
	ApprovalData map[string]any
	Results      []models.StepResult
}

// StepExecutor runs the steps of one saga type, forward steps and their
// rollback_<step> compensations alike. A returned error (or a panic) is
// converted by the engine into a failed StepResult; executors that want to
// control the failure payload should return a result with Success false
// instead.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step string, sc StepContext) (*models.StepResult, error)
}

// StepExecutorFunc adapts a plain function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, step string, sc StepContext) (*models.StepResult, error)

func (f StepExecutorFunc) ExecuteStep(ctx context.Context, step string, sc StepContext) (*models.StepResult, error) {
	return f(ctx, step, sc)
}

// LifecycleHooks receives best-effort notifications around step execution.
// Hook errors and panics are logged and swallowed; a hook can never abort or
// fail a saga.
type LifecycleHooks interface {
	OnStepStarted(ctx context.Context, saga *models.Saga, step string) error
	OnStepCompleted(ctx context.Context, saga *models.Saga, result models.StepResult) error
}
