// Package redis provides the Redis store implementation used when multiple worker
// processes share one backend. Locks rely on SET NX with a lease TTL; the expiry
// index is a sorted set scored by expiry time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
)

const (
	idempotencyPrefix = "opline:idem:"
	operationPrefix   = "opline:op:"
	tenantIndexPrefix = "opline:op:tenant:"
	sagaPrefix        = "opline:saga:"
	historyPrefix     = "opline:saga:history:"
	lockPrefix        = "opline:lock:"
	expiryIndexKey    = "opline:expiry"
)

// releaseLockScript deletes a lock only when the caller still holds it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements store.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
}

// NewStore connects to Redis using the given URL (redis://host:port/db).
func NewStore(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, store.NewStoreError("Connect", "", store.ErrStoreUnavailable)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) IdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	payload, err := s.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.NewStoreError("IdempotencyRecord", key, store.ErrIdempotencyRecordNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("IdempotencyRecord", key, store.ErrStoreUnavailable)
	}

	var record models.IdempotencyRecord

	err = json.Unmarshal(payload, &record)
	if err != nil {
		return nil, store.NewStoreError("IdempotencyRecord", key, err)
	}

	return &record, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return store.NewStoreError("SaveIdempotencyRecord", record.Key, err)
	}

	err = s.client.Set(ctx, idempotencyPrefix+record.Key, payload, ttl).Err()
	if err != nil {
		return store.NewStoreError("SaveIdempotencyRecord", record.Key, store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, idempotencyPrefix+key)
	pipe.ZRem(ctx, expiryIndexKey, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, store.NewStoreError("DeleteIdempotencyRecord", key, store.ErrStoreUnavailable)
	}

	return del.Val() > 0, nil
}

func (s *Store) OperationRecord(ctx context.Context, id string) (*models.OperationRecord, error) {
	payload, err := s.client.Get(ctx, operationPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.NewStoreError("OperationRecord", id, store.ErrOperationRecordNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("OperationRecord", id, store.ErrStoreUnavailable)
	}

	var record models.OperationRecord

	err = json.Unmarshal(payload, &record)
	if err != nil {
		return nil, store.NewStoreError("OperationRecord", id, err)
	}

	return &record, nil
}

func (s *Store) SaveOperationRecord(ctx context.Context, record *models.OperationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return store.NewStoreError("SaveOperationRecord", record.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, operationPrefix+record.ID, payload, 0)
	pipe.ZAdd(ctx, tenantIndexPrefix+record.TenantID, redis.Z{
		Score:  float64(record.CreatedAt.UnixNano()),
		Member: record.ID,
	})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return store.NewStoreError("SaveOperationRecord", record.ID, store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) DeleteOperationRecord(ctx context.Context, id string) (bool, error) {
	record, err := s.OperationRecord(ctx, id)
	if store.IsNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, operationPrefix+id)
	pipe.ZRem(ctx, tenantIndexPrefix+record.TenantID, id)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return false, store.NewStoreError("DeleteOperationRecord", id, store.ErrStoreUnavailable)
	}

	return true, nil
}

func (s *Store) OperationRecordsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	// Tenant index is scored by created_at, so a reverse range is newest-first.
	ids, err := s.client.ZRevRange(ctx, tenantIndexPrefix+tenantID, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, store.NewStoreError("OperationRecordsByTenant", tenantID, store.ErrStoreUnavailable)
	}

	records := make([]*models.OperationRecord, 0, len(ids))

	for _, id := range ids {
		record, err := s.OperationRecord(ctx, id)
		if store.IsNotFound(err) {
			continue
		}

		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (s *Store) Saga(ctx context.Context, id string) (*models.Saga, error) {
	payload, err := s.client.Get(ctx, sagaPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.NewStoreError("Saga", id, store.ErrSagaNotFound)
	}

	if err != nil {
		return nil, store.NewStoreError("Saga", id, store.ErrStoreUnavailable)
	}

	var saga models.Saga

	err = json.Unmarshal(payload, &saga)
	if err != nil {
		return nil, store.NewStoreError("Saga", id, err)
	}

	return &saga, nil
}

func (s *Store) SaveSaga(ctx context.Context, saga *models.Saga) error {
	payload, err := json.Marshal(saga)
	if err != nil {
		return store.NewStoreError("SaveSaga", saga.ID, err)
	}

	err = s.client.Set(ctx, sagaPrefix+saga.ID, payload, 0).Err()
	if err != nil {
		return store.NewStoreError("SaveSaga", saga.ID, store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) DeleteSaga(ctx context.Context, id string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, sagaPrefix+id)
	pipe.Del(ctx, historyPrefix+id)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, store.NewStoreError("DeleteSaga", id, store.ErrStoreUnavailable)
	}

	return del.Val() > 0, nil
}

func (s *Store) AppendSagaHistory(ctx context.Context, entry *models.SagaHistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return store.NewStoreError("AppendSagaHistory", entry.SagaID, err)
	}

	err = s.client.RPush(ctx, historyPrefix+entry.SagaID, payload).Err()
	if err != nil {
		return store.NewStoreError("AppendSagaHistory", entry.SagaID, store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) SagaHistory(ctx context.Context, sagaID string) ([]*models.SagaHistoryEntry, error) {
	payloads, err := s.client.LRange(ctx, historyPrefix+sagaID, 0, -1).Result()
	if err != nil {
		return nil, store.NewStoreError("SagaHistory", sagaID, store.ErrStoreUnavailable)
	}

	entries := make([]*models.SagaHistoryEntry, 0, len(payloads))

	for _, payload := range payloads {
		var entry models.SagaHistoryEntry

		err = json.Unmarshal([]byte(payload), &entry)
		if err != nil {
			return nil, store.NewStoreError("SagaHistory", sagaID, err)
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}

func (s *Store) IndexExpiry(ctx context.Context, key string, at time.Time) error {
	err := s.client.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: key,
	}).Err()
	if err != nil {
		return store.NewStoreError("IndexExpiry", key, store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) ExpiredKeys(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixNano()),
	}).Result()
	if err != nil {
		return nil, store.NewStoreError("ExpiredKeys", "", store.ErrStoreUnavailable)
	}

	return keys, nil
}

func (s *Store) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	// SET NX with PX is atomic; an expired lease has already been dropped by Redis,
	// so expiry-based reclamation comes for free.
	ok, err := s.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return false, store.NewStoreError("AcquireLock", key, store.ErrStoreUnavailable)
	}

	return ok, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	released, err := releaseLockScript.Run(ctx, s.client, []string{lockPrefix + key}, token).Int()
	if err != nil {
		return false, store.NewStoreError("ReleaseLock", key, store.ErrStoreUnavailable)
	}

	return released > 0, nil
}

func (s *Store) CleanupExpiredData(ctx context.Context) (int, error) {
	keys, err := s.ExpiredKeys(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, key := range keys {
		deleted, err := s.DeleteIdempotencyRecord(ctx, key)
		if err != nil {
			return removed, err
		}

		if deleted {
			removed++
		} else {
			// Record already gone via native TTL; still drop the index entry.
			_ = s.client.ZRem(ctx, expiryIndexKey, key).Err()
		}
	}

	// Expired locks are reclaimed by Redis key TTL, nothing to sweep here.
	return removed, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return store.NewStoreError("HealthCheck", "", store.ErrStoreUnavailable)
	}

	return nil
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}

	counts := []struct {
		pattern string
		count   *int
	}{
		{idempotencyPrefix + "*", &stats.IdempotencyRecords},
		{operationPrefix + "*", &stats.OperationRecords},
		{sagaPrefix + "*", &stats.Sagas},
		{lockPrefix + "*", &stats.Locks},
	}

	for _, c := range counts {
		n, err := s.scanCount(ctx, c.pattern)
		if err != nil {
			return nil, err
		}

		*c.count = n
	}

	return stats, nil
}

func (s *Store) scanCount(ctx context.Context, pattern string) (int, error) {
	var (
		cursor uint64
		count  int
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return 0, store.NewStoreError("Stats", pattern, store.ErrStoreUnavailable)
		}

		for _, key := range keys {
			if pattern == operationPrefix+"*" && strings.HasPrefix(key, tenantIndexPrefix) {
				continue
			}

			if pattern == sagaPrefix+"*" && strings.HasPrefix(key, historyPrefix) {
				continue
			}

			count++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}
