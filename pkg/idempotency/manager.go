// Package idempotency guarantees at-most-once execution of side-effecting operations
// under concurrent or retried requests.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
)

const (
	// DefaultTTL is the business-defined lifetime of an idempotency record.
	DefaultTTL = time.Hour

	// DefaultScope is used when a caller supplies no tenant.
	DefaultScope = "default"

	creationLockPrefix = "idem-create:"
	creationLockLease  = 10 * time.Second
)

// Creation race: the loser polls for the winner's record this many times before
// giving up with ErrCreationConflict.
const (
	creationRetries  = 50
	creationRetryGap = 10 * time.Millisecond
)

var (
	// ErrKeyRequired indicates an empty idempotency key, rejected before any
	// storage mutation.
	ErrKeyRequired = errors.New("idempotency key is required")

	// ErrCreationConflict indicates a concurrent creator won the race but its
	// record never became visible in time.
	ErrCreationConflict = errors.New("concurrent idempotency key creation conflict")
)

// Manager creates, inspects and completes idempotency records. Callers are expected
// to call Create before doing work and Complete after; the manager never invokes
// caller logic itself.
type Manager struct {
	store  store.Store
	locks  *lock.Manager
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates an idempotency manager. A non-positive ttl falls back to
// DefaultTTL.
func NewManager(s store.Store, locks *lock.Manager, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		store:  s,
		locks:  locks,
		ttl:    ttl,
		logger: logger.With("module", "idempotency_manager"),
	}
}

// Create returns the record for key, creating a fresh pending record when none
// exists. An existing record is returned unchanged with created false: the first
// writer wins and later callers observe the winner's record. Expired records are
// treated as absent.
func (m *Manager) Create(ctx context.Context, tenantID, userID, operationType, key string) (*models.IdempotencyRecord, bool, error) {
	if key == "" {
		return nil, false, ErrKeyRequired
	}

	if tenantID == "" {
		tenantID = DefaultScope
	}

	existing, err := m.store.IdempotencyRecord(ctx, key)
	if err == nil && !existing.Expired(time.Now()) {
		return existing, false, nil
	}

	if err != nil && !store.IsNotFound(err) {
		return nil, false, err
	}

	// Writers serialize on a short lock keyed by the idempotency key, so exactly
	// one creation wins; losers observe the winner's record instead of clobbering.
	handle, ok, err := m.locks.AcquireWithLease(ctx, creationLockPrefix+key, creationLockLease)
	if err != nil {
		return nil, false, err
	}

	if !ok {
		record, err := m.awaitWinner(ctx, key)

		return record, false, err
	}

	defer func() {
		_, _ = m.locks.Release(ctx, handle)
	}()

	// Double-check under the lock: the winner may have written between our read
	// and acquisition.
	existing, err = m.store.IdempotencyRecord(ctx, key)
	if err == nil && !existing.Expired(time.Now()) {
		return existing, false, nil
	}

	if err != nil && !store.IsNotFound(err) {
		return nil, false, err
	}

	now := time.Now()
	record := &models.IdempotencyRecord{
		Key:           key,
		TenantID:      tenantID,
		UserID:        userID,
		OperationType: operationType,
		Status:        models.IdempotencyStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	err = m.store.SaveIdempotencyRecord(ctx, record, m.ttl)
	if err != nil {
		return nil, false, err
	}

	err = m.store.IndexExpiry(ctx, key, record.ExpiresAt)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to index record expiry", "key", key, "error", err)
	}

	m.logger.DebugContext(ctx, "Created idempotency record",
		"key", key, "tenant_id", tenantID, "operation_type", operationType)

	return record, true, nil
}

// MarkInProgress advances a pending record to in_progress. Terminal records are left
// untouched and returned as-is.
func (m *Manager) MarkInProgress(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	return m.transition(ctx, key, func(record *models.IdempotencyRecord) error {
		if !record.Status.CanTransitionTo(models.IdempotencyStatusInProgress) {
			return nil
		}

		record.Status = models.IdempotencyStatusInProgress

		return nil
	})
}

// Complete transitions a record to completed (errMsg empty) or failed (errMsg set),
// storing the result payload. Completing an already-terminal record is itself
// idempotent: the call is a no-op returning the terminal record.
func (m *Manager) Complete(ctx context.Context, key string, result json.RawMessage, errMsg string) (*models.IdempotencyRecord, error) {
	target := models.IdempotencyStatusCompleted
	if errMsg != "" {
		target = models.IdempotencyStatusFailed
	}

	return m.transition(ctx, key, func(record *models.IdempotencyRecord) error {
		if record.Status.Terminal() {
			return nil
		}

		if !record.Status.CanTransitionTo(target) {
			return fmt.Errorf("cannot transition %s record to %s", record.Status, target)
		}

		record.Status = target
		record.Result = result
		record.Error = errMsg

		return nil
	})
}

// Check is a pure read of the record for key. Expired records are reported as
// absent via store.ErrIdempotencyRecordNotFound.
func (m *Manager) Check(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	record, err := m.store.IdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	if record.Expired(time.Now()) {
		return nil, store.NewStoreError("Check", key, store.ErrIdempotencyRecordNotFound)
	}

	return record, nil
}

func (m *Manager) transition(ctx context.Context, key string, mutate func(*models.IdempotencyRecord) error) (*models.IdempotencyRecord, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	handle, ok, err := m.locks.AcquireWithLease(ctx, creationLockPrefix+key, creationLockLease)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("idempotency record %q is locked by another writer", key)
	}

	defer func() {
		_, _ = m.locks.Release(ctx, handle)
	}()

	record, err := m.store.IdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	before := record.Status

	err = mutate(record)
	if err != nil {
		return nil, err
	}

	if record.Status == before && before.Terminal() {
		// Late or duplicate completion; ignore rather than error.
		m.logger.DebugContext(ctx, "Ignoring transition on terminal record", "key", key, "status", before)

		return record, nil
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}

	err = m.store.SaveIdempotencyRecord(ctx, record, ttl)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (m *Manager) awaitWinner(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	for range creationRetries {
		record, err := m.store.IdempotencyRecord(ctx, key)
		if err == nil {
			return record, nil
		}

		if !store.IsNotFound(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(creationRetryGap):
		}
	}

	return nil, ErrCreationConflict
}
