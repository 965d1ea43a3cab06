package models

import "time"

// SagaStatus represents the state machine position of a saga instance.
type SagaStatus string

const (
	SagaStatusPending         SagaStatus = "pending"
	SagaStatusRunning         SagaStatus = "running"
	SagaStatusWaitingApproval SagaStatus = "waiting_approval"
	SagaStatusCompleted       SagaStatus = "completed"
	SagaStatusFailed          SagaStatus = "failed"
	SagaStatusRolledBack      SagaStatus = "rolled_back"
)

// Terminal reports whether the saga has reached an immutable final state.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusFailed || s == SagaStatusRolledBack
}

// Step result error kinds.
const (
	// ErrKindStepExecution tags a synthetic failed result produced when a step
	// executor returns an error or panics, so engine control flow never unwinds
	// past its boundary.
	ErrKindStepExecution = "step_execution_error"

	// ErrKindStepFailed tags an ordinary business failure reported by a step.
	ErrKindStepFailed = "step_failed"
)

// StepResult is the value a step executor produces for a single saga step.
// Failure is an ordinary value the engine branches on, not a control-flow jump.
type StepResult struct {
	Success          bool           `json:"success"`
	Step             string         `json:"step"`
	Data             map[string]any `json:"data,omitempty"`
	ErrorKind        string         `json:"error_kind,omitempty"`
	Message          string         `json:"message,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// Saga is a multi-step business transaction with compensating actions on partial
// failure. Steps are fixed at creation; the record is persisted after every step so
// a crashed worker can be resumed elsewhere.
type Saga struct {
	ID        string     `json:"id"     validate:"required"`
	Type      string     `json:"type"   validate:"required"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Steps     []string   `json:"steps"  validate:"required,min=1,dive,required"`
	Current   int        `json:"current_step_index"`
	Status    SagaStatus `json:"status" validate:"required"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ApprovalData map[string]any `json:"approval_data,omitempty"`
	// Results holds one entry per executed forward step, in list order.
	// Current always equals len(Results).
	Results []StepResult `json:"results"`
	// CompensationResults records each rollback attempt, in the reverse order
	// the compensations ran.
	CompensationResults []StepResult `json:"compensation_results,omitempty"`
	RollbackEnabled     bool         `json:"rollback_enabled"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// RemainingSteps returns the step names not yet executed.
func (s *Saga) RemainingSteps() []string {
	if s.Current >= len(s.Steps) {
		return nil
	}

	return s.Steps[s.Current:]
}

// LastResult returns the most recent forward step result, or nil before any step ran.
func (s *Saga) LastResult() *StepResult {
	if len(s.Results) == 0 {
		return nil
	}

	return &s.Results[len(s.Results)-1]
}

// SagaHistoryEntry is one line of the append-only saga history log.
type SagaHistoryEntry struct {
	SagaID    string      `json:"saga_id"`
	Status    SagaStatus  `json:"status"`
	StepIndex int         `json:"step_index"`
	Result    *StepResult `json:"result,omitempty"`
	Note      string      `json:"note,omitempty"`
	At        time.Time   `json:"at"`
}
