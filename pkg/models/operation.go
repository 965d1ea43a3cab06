package models

import "time"

// OperationStatus represents the lifecycle state of a tracked background operation.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed
}

// CanTransitionTo reports whether the status may advance to next; status never regresses.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	switch s {
	case OperationStatusPending:
		return next == OperationStatusInProgress ||
			next == OperationStatusCompleted ||
			next == OperationStatusFailed
	case OperationStatusInProgress:
		return next == OperationStatusCompleted || next == OperationStatusFailed
	case OperationStatusCompleted, OperationStatusFailed:
		return false
	}

	return false
}

// OperationRecord tracks the lifecycle of a long-running operation for status polling.
// Independent of idempotency records: an operation may be tracked without being
// idempotency-gated (a scheduled job, for example), but may reference a key for audit.
type OperationRecord struct {
	ID             string          `json:"id"             validate:"required"`
	TenantID       string          `json:"tenant_id"      validate:"required"`
	UserID         string          `json:"user_id,omitempty"`
	OperationType  string          `json:"operation_type" validate:"required"`
	Status         OperationStatus `json:"status"         validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
