package sweeper_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store/memory"
	"github.com/opline/opline/pkg/sweeper"
)

func TestSweeper_SweepRemovesExpiredRecords(t *testing.T) {
	s := memory.NewStore()
	locks := lock.NewManager(s, lock.DefaultLease, slog.Default())
	sw := sweeper.NewSweeper(s, locks, "", slog.Default())

	now := time.Now()

	expired := &models.IdempotencyRecord{
		Key:       "expired-key",
		TenantID:  "t1",
		Status:    models.IdempotencyStatusCompleted,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.SaveIdempotencyRecord(t.Context(), expired, time.Hour))
	require.NoError(t, s.IndexExpiry(t.Context(), expired.Key, expired.ExpiresAt))

	live := &models.IdempotencyRecord{
		Key:       "live-key",
		TenantID:  "t1",
		Status:    models.IdempotencyStatusCompleted,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.SaveIdempotencyRecord(t.Context(), live, time.Hour))
	require.NoError(t, s.IndexExpiry(t.Context(), live.Key, live.ExpiresAt))

	sw.Sweep(t.Context())

	_, err := s.IdempotencyRecord(t.Context(), "expired-key")
	assert.Error(t, err)

	_, err = s.IdempotencyRecord(t.Context(), "live-key")
	assert.NoError(t, err)

	// The sweep lock was released; a follow-up sweep can run immediately.
	sw.Sweep(t.Context())
}

func TestSweeper_SkipsWhenLockHeld(t *testing.T) {
	s := memory.NewStore()
	locks := lock.NewManager(s, lock.DefaultLease, slog.Default())
	sw := sweeper.NewSweeper(s, locks, "", slog.Default())

	now := time.Now()
	expired := &models.IdempotencyRecord{
		Key:       "expired-key",
		Status:    models.IdempotencyStatusCompleted,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.SaveIdempotencyRecord(t.Context(), expired, time.Hour))
	require.NoError(t, s.IndexExpiry(t.Context(), expired.Key, expired.ExpiresAt))

	// Another instance holds the cleanup lock.
	held, ok, err := locks.AcquireWithLease(t.Context(), "sweeper:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sw.Sweep(t.Context())

	// Nothing was removed while the lock was held.
	_, err = s.IdempotencyRecord(t.Context(), "expired-key")
	assert.NoError(t, err)

	_, err = locks.Release(t.Context(), held)
	require.NoError(t, err)

	sw.Sweep(t.Context())

	_, err = s.IdempotencyRecord(t.Context(), "expired-key")
	assert.Error(t, err)
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	s := memory.NewStore()
	locks := lock.NewManager(s, lock.DefaultLease, slog.Default())
	sw := sweeper.NewSweeper(s, locks, "not-a-schedule", slog.Default())

	assert.Error(t, sw.Start(t.Context()))
}
