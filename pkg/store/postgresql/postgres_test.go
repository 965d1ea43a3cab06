package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
	"github.com/opline/opline/pkg/store/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"saga_history", "sagas", "operation_records", "idempotency_records", "coordinator_locks", "expiry_index", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestStore(t *testing.T) (*postgresql.Store, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("opline_test"),
			postgres.WithUsername("opline"),
			postgres.WithPassword("opline"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pgStore, err := postgresql.NewStore(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)

		err = pgStore.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return pgStore, ctx
}

func TestStore_IdempotencyRoundTrip(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	record := &models.IdempotencyRecord{
		Key:           "pg-k1",
		TenantID:      "t1",
		UserID:        "u1",
		OperationType: "create_subscriber",
		Status:        models.IdempotencyStatusPending,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:     time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
	}
	require.NoError(t, pgStore.SaveIdempotencyRecord(ctx, record, time.Hour))

	got, err := pgStore.IdempotencyRecord(ctx, "pg-k1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.IdempotencyStatusPending, got.Status)
	assert.Empty(t, got.Result)

	// Upsert preserves the key and advances status.
	record.Status = models.IdempotencyStatusCompleted
	record.Result = []byte(`{"id":"123"}`)
	require.NoError(t, pgStore.SaveIdempotencyRecord(ctx, record, time.Hour))

	got, err = pgStore.IdempotencyRecord(ctx, "pg-k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyStatusCompleted, got.Status)
	assert.JSONEq(t, `{"id":"123"}`, string(got.Result))

	deleted, err := pgStore.DeleteIdempotencyRecord(ctx, "pg-k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = pgStore.IdempotencyRecord(ctx, "pg-k1")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)
}

func TestStore_OperationListing(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	base := time.Now().UTC()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()

		require.NoError(t, pgStore.SaveOperationRecord(ctx, &models.OperationRecord{
			ID:            ids[i],
			TenantID:      "t1",
			OperationType: "provision",
			Status:        models.OperationStatusPending,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
			UpdatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := pgStore.OperationRecordsByTenant(ctx, "t1", 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ids[2], records[0].ID)
	assert.Equal(t, ids[1], records[1].ID)

	records, err = pgStore.OperationRecordsByTenant(ctx, "t1", 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids[0], records[0].ID)
}

func TestStore_SagaRoundTripAndHistory(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	sagaID := uuid.NewString()
	saga := &models.Saga{
		ID:        sagaID,
		Type:      "provision_subscriber",
		Steps:     []string{"reserve_ip", "create_radius_account"},
		Status:    models.SagaStatusRunning,
		Current:   1,
		Results:   []models.StepResult{{Step: "reserve_ip", Success: true}},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, pgStore.SaveSaga(ctx, saga))

	got, err := pgStore.Saga(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.Steps, got.Steps)
	assert.Equal(t, 1, got.Current)
	require.Len(t, got.Results, 1)
	assert.True(t, got.Results[0].Success)

	require.NoError(t, pgStore.AppendSagaHistory(ctx, &models.SagaHistoryEntry{
		SagaID: sagaID,
		Status: models.SagaStatusRunning,
		At:     time.Now().UTC(),
	}))
	require.NoError(t, pgStore.AppendSagaHistory(ctx, &models.SagaHistoryEntry{
		SagaID: sagaID,
		Status: models.SagaStatusCompleted,
		At:     time.Now().UTC(),
	}))

	entries, err := pgStore.SagaHistory(ctx, sagaID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.SagaStatusCompleted, entries[1].Status)
}

func TestStore_LockAcquisition(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	ok, err := pgStore.AcquireLock(ctx, "pg-lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pgStore.AcquireLock(ctx, "pg-lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := pgStore.ReleaseLock(ctx, "pg-lock", "holder-2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = pgStore.ReleaseLock(ctx, "pg-lock", "holder-1")
	require.NoError(t, err)
	assert.True(t, released)

	// Expired lease is reclaimable without release.
	ok, err = pgStore.AcquireLock(ctx, "pg-lock", "holder-1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pgStore.AcquireLock(ctx, "pg-lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_CleanupExpiredData(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	record := &models.IdempotencyRecord{
		Key:           "pg-expired",
		TenantID:      "t1",
		OperationType: "create_subscriber",
		Status:        models.IdempotencyStatusCompleted,
		CreatedAt:     time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, pgStore.SaveIdempotencyRecord(ctx, record, 0))
	require.NoError(t, pgStore.IndexExpiry(ctx, "pg-expired", time.Now().UTC().Add(-time.Hour)))

	ok, err := pgStore.AcquireLock(ctx, "pg-stale", "tok", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := pgStore.CleanupExpiredData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = pgStore.IdempotencyRecord(ctx, "pg-expired")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)
}

func TestStore_HealthAndStats(t *testing.T) {
	pgStore, ctx := setupTestStore(t)

	require.NoError(t, pgStore.HealthCheck(ctx))

	stats, err := pgStore.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &store.Stats{}, stats)
}
