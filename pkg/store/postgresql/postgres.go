// Package postgresql provides the PostgreSQL store implementation.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
	"github.com/opline/opline/pkg/store/sqlbase"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to PostgreSQL and runs migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, store.NewStoreError("Connect", "", store.ErrStoreUnavailable)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) IdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, tenant_id, COALESCE(user_id, ''), operation_type, status,
		       COALESCE(result, 'null'::jsonb), COALESCE(error, ''), created_at, COALESCE(expires_at, 'epoch'::timestamptz)
		FROM idempotency_records
		WHERE key = $1 AND (native_expires_at IS NULL OR native_expires_at > NOW())`,
		key)

	var (
		record  models.IdempotencyRecord
		result  []byte
		expires time.Time
	)

	err := row.Scan(&record.Key, &record.TenantID, &record.UserID, &record.OperationType,
		&record.Status, &result, &record.Error, &record.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewStoreError("IdempotencyRecord", key, store.ErrIdempotencyRecordNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("IdempotencyRecord", key, err)
	}

	if string(result) != "null" {
		record.Result = json.RawMessage(result)
	}

	if expires.Unix() != 0 {
		record.ExpiresAt = expires
	}

	return &record, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord, ttl time.Duration) error {
	var nativeExpires sql.NullTime
	if ttl > 0 {
		nativeExpires = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}

	var result any
	if record.Result != nil {
		result = []byte(record.Result)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, tenant_id, user_id, operation_type, status, result, error, created_at, expires_at, native_expires_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			expires_at = EXCLUDED.expires_at,
			native_expires_at = EXCLUDED.native_expires_at`,
		record.Key, record.TenantID, record.UserID, record.OperationType, record.Status,
		result, record.Error, record.CreatedAt, nullableTime(record.ExpiresAt), nativeExpires)
	if err != nil {
		return store.NewStoreError("SaveIdempotencyRecord", record.Key, err)
	}

	return nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE key = $1", key)
	if err != nil {
		return false, store.NewStoreError("DeleteIdempotencyRecord", key, err)
	}

	_, _ = s.db.ExecContext(ctx, "DELETE FROM expiry_index WHERE key = $1", key)

	affected, _ := result.RowsAffected()

	return affected > 0, nil
}

func (s *Store) OperationRecord(ctx context.Context, id string) (*models.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, COALESCE(user_id, ''), operation_type, status,
		       COALESCE(idempotency_key, ''), created_at, updated_at
		FROM operation_records WHERE id = $1`, id)

	var record models.OperationRecord

	err := row.Scan(&record.ID, &record.TenantID, &record.UserID, &record.OperationType,
		&record.Status, &record.IdempotencyKey, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewStoreError("OperationRecord", id, store.ErrOperationRecordNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("OperationRecord", id, err)
	}

	return &record, nil
}

func (s *Store) SaveOperationRecord(ctx context.Context, record *models.OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_records (id, tenant_id, user_id, operation_type, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		record.ID, record.TenantID, record.UserID, record.OperationType, record.Status,
		record.IdempotencyKey, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return store.NewStoreError("SaveOperationRecord", record.ID, err)
	}

	return nil
}

func (s *Store) DeleteOperationRecord(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM operation_records WHERE id = $1", id)
	if err != nil {
		return false, store.NewStoreError("DeleteOperationRecord", id, err)
	}

	affected, _ := result.RowsAffected()

	return affected > 0, nil
}

func (s *Store) OperationRecordsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, COALESCE(user_id, ''), operation_type, status,
		       COALESCE(idempotency_key, ''), created_at, updated_at
		FROM operation_records
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, store.NewStoreError("OperationRecordsByTenant", tenantID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*models.OperationRecord, 0)

	for rows.Next() {
		var record models.OperationRecord

		err = rows.Scan(&record.ID, &record.TenantID, &record.UserID, &record.OperationType,
			&record.Status, &record.IdempotencyKey, &record.CreatedAt, &record.UpdatedAt)
		if err != nil {
			return nil, store.NewStoreError("OperationRecordsByTenant", tenantID, err)
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

func (s *Store) Saga(ctx context.Context, id string) (*models.Saga, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, "SELECT data FROM sagas WHERE id = $1", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewStoreError("Saga", id, store.ErrSagaNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("Saga", id, err)
	}

	var saga models.Saga

	err = json.Unmarshal(data, &saga)
	if err != nil {
		return nil, store.NewStoreError("Saga", id, err)
	}

	return &saga, nil
}

func (s *Store) SaveSaga(ctx context.Context, saga *models.Saga) error {
	data, err := json.Marshal(saga)
	if err != nil {
		return store.NewStoreError("SaveSaga", saga.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, status, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		saga.ID, saga.Status, data, saga.UpdatedAt)
	if err != nil {
		return store.NewStoreError("SaveSaga", saga.ID, err)
	}

	return nil
}

func (s *Store) DeleteSaga(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sagas WHERE id = $1", id)
	if err != nil {
		return false, store.NewStoreError("DeleteSaga", id, err)
	}

	_, _ = s.db.ExecContext(ctx, "DELETE FROM saga_history WHERE saga_id = $1", id)

	affected, _ := result.RowsAffected()

	return affected > 0, nil
}

func (s *Store) AppendSagaHistory(ctx context.Context, entry *models.SagaHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return store.NewStoreError("AppendSagaHistory", entry.SagaID, err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO saga_history (saga_id, entry, at) VALUES ($1, $2, $3)",
		entry.SagaID, data, entry.At)
	if err != nil {
		return store.NewStoreError("AppendSagaHistory", entry.SagaID, err)
	}

	return nil
}

func (s *Store) SagaHistory(ctx context.Context, sagaID string) ([]*models.SagaHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry FROM saga_history WHERE saga_id = $1 ORDER BY id", sagaID)
	if err != nil {
		return nil, store.NewStoreError("SagaHistory", sagaID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := make([]*models.SagaHistoryEntry, 0)

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, store.NewStoreError("SagaHistory", sagaID, err)
		}

		var entry models.SagaHistoryEntry

		err = json.Unmarshal(data, &entry)
		if err != nil {
			return nil, store.NewStoreError("SagaHistory", sagaID, err)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func (s *Store) IndexExpiry(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expiry_index (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		key, at)
	if err != nil {
		return store.NewStoreError("IndexExpiry", key, err)
	}

	return nil
}

func (s *Store) ExpiredKeys(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM expiry_index WHERE expires_at < $1 ORDER BY expires_at", cutoff)
	if err != nil {
		return nil, store.NewStoreError("ExpiredKeys", "", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []string

	for rows.Next() {
		var key string

		err = rows.Scan(&key)
		if err != nil {
			return nil, store.NewStoreError("ExpiredKeys", "", err)
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Store) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	// Conditional upsert: the insert wins on a free key, the update wins only when
	// the current lease has already expired.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO coordinator_locks (key, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE coordinator_locks.expires_at < NOW()`,
		key, token, time.Now().Add(ttl))
	if err != nil {
		return false, store.NewStoreError("AcquireLock", key, err)
	}

	affected, _ := result.RowsAffected()

	return affected > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM coordinator_locks WHERE key = $1 AND token = $2", key, token)
	if err != nil {
		return false, store.NewStoreError("ReleaseLock", key, err)
	}

	affected, _ := result.RowsAffected()

	return affected > 0, nil
}

func (s *Store) CleanupExpiredData(ctx context.Context) (int, error) {
	removed := 0

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE key IN (SELECT key FROM expiry_index WHERE expires_at < NOW())`)
	if err != nil {
		return 0, store.NewStoreError("CleanupExpiredData", "", err)
	}

	affected, _ := result.RowsAffected()
	removed += int(affected)

	_, err = s.db.ExecContext(ctx, "DELETE FROM expiry_index WHERE expires_at < NOW()")
	if err != nil {
		return removed, store.NewStoreError("CleanupExpiredData", "", err)
	}

	result, err = s.db.ExecContext(ctx, "DELETE FROM coordinator_locks WHERE expires_at < NOW()")
	if err != nil {
		return removed, store.NewStoreError("CleanupExpiredData", "", err)
	}

	affected, _ = result.RowsAffected()
	removed += int(affected)

	return removed, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return store.NewStoreError("HealthCheck", "", store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}

	counts := []struct {
		query string
		count *int
	}{
		{"SELECT COUNT(*) FROM idempotency_records", &stats.IdempotencyRecords},
		{"SELECT COUNT(*) FROM operation_records", &stats.OperationRecords},
		{"SELECT COUNT(*) FROM sagas", &stats.Sagas},
		{"SELECT COUNT(*) FROM coordinator_locks", &stats.Locks},
	}

	for _, c := range counts {
		err := s.db.QueryRowContext(ctx, c.query).Scan(c.count)
		if err != nil {
			return nil, store.NewStoreError("Stats", "", err)
		}
	}

	return stats, nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t, Valid: true}
}
