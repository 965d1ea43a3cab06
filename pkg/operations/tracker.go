// Package operations tracks the lifecycle of long-running background operations for
// status polling, independent of the idempotency cache.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opline/opline/pkg/eventbus"
	"github.com/opline/opline/pkg/events"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
)

// ErrInvalidTransition indicates a status update that would regress or leave a
// terminal state.
var ErrInvalidTransition = errors.New("invalid operation status transition")

// Tracker is bookkeeping only: no business semantics. Updates are last-writer-wins
// per operation ID; a single operation is expected to have one active writer at a
// time, enforced externally by idempotency gating.
type Tracker struct {
	store     store.Store
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

// NewTracker creates an operation tracker. publisher may be nil; status change
// events are then skipped.
func NewTracker(s store.Store, publisher eventbus.EventPublisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     s,
		publisher: publisher,
		logger:    logger.With("module", "operation_tracker"),
	}
}

// Create registers a new pending operation. idempotencyKey may be empty: not all
// tracked operations are idempotency-gated.
func (t *Tracker) Create(ctx context.Context, tenantID, userID, operationType, idempotencyKey string) (*models.OperationRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", ErrInvalidTransition)
	}

	now := time.Now()
	record := &models.OperationRecord{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		UserID:         userID,
		OperationType:  operationType,
		Status:         models.OperationStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := t.store.SaveOperationRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "Created operation record",
		"operation_id", record.ID, "tenant_id", tenantID, "operation_type", operationType)

	return record, nil
}

// Get returns the operation by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*models.OperationRecord, error) {
	return t.store.OperationRecord(ctx, id)
}

// UpdateStatus advances the operation's status, refreshing updated_at. The status
// only moves forward; regressions and updates to terminal operations are rejected.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status models.OperationStatus) (*models.OperationRecord, error) {
	record, err := t.store.OperationRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if !record.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s for operation %s", ErrInvalidTransition, record.Status, status, id)
	}

	record.Status = status
	record.UpdatedAt = time.Now()

	err = t.store.SaveOperationRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	t.publishUpdated(ctx, record)

	return record, nil
}

// publishUpdated emits operation.updated. Publish failures are downgraded to
// warnings; the record is already persisted.
func (t *Tracker) publishUpdated(ctx context.Context, record *models.OperationRecord) {
	if t.publisher == nil {
		return
	}

	err := t.publisher.Publish(ctx, record.ID, events.OperationUpdated{
		BaseEvent: events.BaseEvent{
			ID:        uuid.NewString(),
			Type:      events.OperationUpdatedEvent,
			Timestamp: time.Now(),
			TenantID:  record.TenantID,
		},
		OperationID: record.ID,
		Status:      record.Status,
	})
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to publish operation update",
			"operation_id", record.ID, "error", err)
	}
}

// ListByTenant returns the tenant's operations, most recent first.
func (t *Tracker) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.OperationRecord, error) {
	return t.store.OperationRecordsByTenant(ctx, tenantID, limit, offset)
}
