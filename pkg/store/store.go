// Package store provides the data storage abstraction for idempotency records,
// operation records, sagas and locks.
package store

import (
	"context"
	"time"

	"github.com/opline/opline/pkg/models"
)

// Stats holds per-namespace record counts.
type Stats struct {
	IdempotencyRecords int `json:"idempotency_records"`
	OperationRecords   int `json:"operation_records"`
	Sagas              int `json:"sagas"`
	Locks              int `json:"locks"`
}

// Store is the single shared mutable resource of the coordinator. All cross-worker
// coordination goes through its atomic primitives; no caller may read-modify-write a
// record without going through a lock or an atomic conditional write.
//
// All mutating calls are durable before returning. Implementations must be safe under
// concurrent callers, including cleanup sweeps running concurrently with normal traffic.
type Store interface {
	// Idempotency records, keyed by caller-supplied idempotency key.
	IdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord, ttl time.Duration) error
	DeleteIdempotencyRecord(ctx context.Context, key string) (bool, error)

	// Operation records, keyed by operation ID.
	OperationRecord(ctx context.Context, id string) (*models.OperationRecord, error)
	SaveOperationRecord(ctx context.Context, record *models.OperationRecord) error
	DeleteOperationRecord(ctx context.Context, id string) (bool, error)
	OperationRecordsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.OperationRecord, error)

	// Sagas, keyed by saga ID, plus an append-only history log per saga.
	Saga(ctx context.Context, id string) (*models.Saga, error)
	SaveSaga(ctx context.Context, saga *models.Saga) error
	DeleteSaga(ctx context.Context, id string) (bool, error)
	AppendSagaHistory(ctx context.Context, entry *models.SagaHistoryEntry) error
	SagaHistory(ctx context.Context, sagaID string) ([]*models.SagaHistoryEntry, error)

	// Expiry index: a secondary ordered structure the periodic sweep consults for
	// entries whose business-defined expiry has passed, independent of any native
	// TTL the backend applies.
	IndexExpiry(ctx context.Context, key string, at time.Time) error
	ExpiredKeys(ctx context.Context, cutoff time.Time) ([]string, error)

	// Locks. Acquisition is atomic and single-shot: the caller wins if no lock
	// exists or the existing lease has expired, otherwise it fails immediately.
	// Release succeeds only when the token matches the current holder.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// CleanupExpiredData deletes indexed-expired idempotency records and reclaims
	// expired locks, returning the number of entries removed. Safe to run
	// concurrently with normal traffic.
	CleanupExpiredData(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)

	Close(ctx context.Context) error
}
