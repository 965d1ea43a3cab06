package memory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_IdempotencyRecordLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	_, err := s.IdempotencyRecord(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)

	record := &models.IdempotencyRecord{
		Key:           "k1",
		TenantID:      "t1",
		OperationType: "create_subscriber",
		Status:        models.IdempotencyStatusPending,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, s.SaveIdempotencyRecord(ctx, record, time.Hour))

	got, err := s.IdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, models.IdempotencyStatusPending, got.Status)

	deleted, err := s.DeleteIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_IdempotencyRecordNativeTTL(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	base := time.Now()
	s.now = func() time.Time { return base }

	record := &models.IdempotencyRecord{
		Key:      "k1",
		TenantID: "t1",
		Status:   models.IdempotencyStatusPending,
	}
	require.NoError(t, s.SaveIdempotencyRecord(ctx, record, time.Minute))

	_, err := s.IdempotencyRecord(ctx, "k1")
	require.NoError(t, err)

	// Any check after created_at + TTL must observe absence.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, err = s.IdempotencyRecord(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)
}

func TestStore_OperationRecordsByTenant(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()
	base := time.Now()

	for i, id := range []string{"op-1", "op-2", "op-3", "op-4"} {
		tenant := "t1"
		if id == "op-3" {
			tenant = "t2"
		}

		require.NoError(t, s.SaveOperationRecord(ctx, &models.OperationRecord{
			ID:            id,
			TenantID:      tenant,
			OperationType: "provision",
			Status:        models.OperationStatusPending,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := s.OperationRecordsByTenant(ctx, "t1", 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Most recent first.
	assert.Equal(t, "op-4", records[0].ID)
	assert.Equal(t, "op-2", records[1].ID)

	records, err = s.OperationRecordsByTenant(ctx, "t1", 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "op-1", records[0].ID)

	records, err = s.OperationRecordsByTenant(ctx, "t1", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_SagaPersistenceIsolation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	saga := &models.Saga{
		ID:     "saga-1",
		Type:   "provision_subscriber",
		Steps:  []string{"reserve_ip", "create_radius_account"},
		Status: models.SagaStatusPending,
	}
	require.NoError(t, s.SaveSaga(ctx, saga))

	// Mutating the caller's copy must not leak into the stored record.
	saga.Status = models.SagaStatusFailed
	saga.Steps[0] = "mutated"

	got, err := s.Saga(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, models.SagaStatusPending, got.Status)
	assert.Equal(t, "reserve_ip", got.Steps[0])
}

func TestStore_SagaHistoryAppendOnly(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	for i, status := range []models.SagaStatus{models.SagaStatusRunning, models.SagaStatusCompleted} {
		require.NoError(t, s.AppendSagaHistory(ctx, &models.SagaHistoryEntry{
			SagaID:    "saga-1",
			Status:    status,
			StepIndex: i,
			At:        time.Now(),
		}))
	}

	entries, err := s.SagaHistory(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.SagaStatusRunning, entries[0].Status)
	assert.Equal(t, models.SagaStatusCompleted, entries[1].Status)
}

func TestStore_AcquireLockMutualExclusion(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	const workers = 32

	var (
		wins int64
		wg   sync.WaitGroup
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := s.AcquireLock(ctx, "shared", "token", time.Minute)
			assert.NoError(t, err)

			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), wins)
}

func TestStore_LockLeaseExpiry(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	base := time.Now()
	s.now = func() time.Time { return base }

	ok, err := s.AcquireLock(ctx, "k", "holder-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "k", "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lease passes; the lock is acquirable even without explicit release.
	s.now = func() time.Time { return base.Add(time.Minute) }

	ok, err = s.AcquireLock(ctx, "k", "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The original holder's release is a no-op: its token no longer matches.
	released, err := s.ReleaseLock(ctx, "k", "holder-1")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLock(ctx, "k", "holder-2")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestStore_CleanupExpiredData(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	base := time.Now()
	s.now = func() time.Time { return base }

	expired := &models.IdempotencyRecord{Key: "old", TenantID: "t1", Status: models.IdempotencyStatusCompleted}
	require.NoError(t, s.SaveIdempotencyRecord(ctx, expired, 0))
	require.NoError(t, s.IndexExpiry(ctx, "old", base.Add(-time.Hour)))

	fresh := &models.IdempotencyRecord{Key: "fresh", TenantID: "t1", Status: models.IdempotencyStatusPending}
	require.NoError(t, s.SaveIdempotencyRecord(ctx, fresh, 0))
	require.NoError(t, s.IndexExpiry(ctx, "fresh", base.Add(time.Hour)))

	ok, err := s.AcquireLock(ctx, "stale-lock", "tok", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := s.CleanupExpiredData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.IdempotencyRecord(ctx, "old")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)

	_, err = s.IdempotencyRecord(ctx, "fresh")
	assert.NoError(t, err)
}

func TestStore_CleanupConcurrentWithTraffic(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for range 100 {
				record := &models.IdempotencyRecord{
					Key:      "k",
					TenantID: "t1",
					Status:   models.IdempotencyStatusPending,
				}
				_ = s.SaveIdempotencyRecord(ctx, record, time.Minute)
				_, _ = s.IdempotencyRecord(ctx, "k")
			}
		}()

		go func() {
			defer wg.Done()

			for range 100 {
				_, err := s.CleanupExpiredData(ctx)
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()
}

func TestStore_ExpiredKeysOrdered(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()
	now := time.Now()

	require.NoError(t, s.IndexExpiry(ctx, "b", now.Add(-time.Minute)))
	require.NoError(t, s.IndexExpiry(ctx, "a", now.Add(-time.Hour)))
	require.NoError(t, s.IndexExpiry(ctx, "c", now.Add(time.Hour)))

	keys, err := s.ExpiredKeys(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := t.Context()

	require.NoError(t, s.SaveIdempotencyRecord(ctx, &models.IdempotencyRecord{Key: "k"}, 0))
	require.NoError(t, s.SaveOperationRecord(ctx, &models.OperationRecord{ID: "op"}))
	require.NoError(t, s.SaveSaga(ctx, &models.Saga{ID: "saga"}))

	ok, err := s.AcquireLock(ctx, "lock", "tok", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &store.Stats{
		IdempotencyRecords: 1,
		OperationRecords:   1,
		Sagas:              1,
		Locks:              1,
	}, stats)
}
