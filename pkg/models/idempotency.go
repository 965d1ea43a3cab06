// Package models defines the core domain models for idempotent operation and saga coordination.
package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus represents the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyStatusPending    IdempotencyStatus = "pending"
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Terminal reports whether the status is final. Terminal records are never overwritten.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyStatusCompleted || s == IdempotencyStatusFailed
}

// CanTransitionTo reports whether the status may advance to next.
// Status only moves forward: pending -> in_progress -> {completed|failed}.
func (s IdempotencyStatus) CanTransitionTo(next IdempotencyStatus) bool {
	switch s {
	case IdempotencyStatusPending:
		return next == IdempotencyStatusInProgress ||
			next == IdempotencyStatusCompleted ||
			next == IdempotencyStatusFailed
	case IdempotencyStatusInProgress:
		return next == IdempotencyStatusCompleted || next == IdempotencyStatusFailed
	case IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return false
	}

	return false
}

// IdempotencyRecord deduplicates repeated submissions of the same logical operation.
// At most one record exists per key; the first writer wins and later callers observe
// the winner's record.
type IdempotencyRecord struct {
	Key           string            `json:"key"            validate:"required,min=1,max=255"`
	TenantID      string            `json:"tenant_id"      validate:"required"`
	UserID        string            `json:"user_id,omitempty"`
	OperationType string            `json:"operation_type" validate:"required"`
	Status        IdempotencyStatus `json:"status"         validate:"required"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Expired reports whether the record's business-defined TTL has passed.
// Expired records are treated as absent and a fresh record may be created.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
