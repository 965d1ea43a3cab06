// Package memory provides the reference in-memory store implementation. It is the
// default backend for tests and single-process deployments; all state is guarded by
// a single mutex so cleanup sweeps never produce torn reads.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/store"
)

type idempotencyEntry struct {
	record   *models.IdempotencyRecord
	deadline time.Time // native TTL, zero means no expiry
}

// Store implements store.Store backed by in-process maps.
type Store struct {
	mu sync.RWMutex

	idempotency map[string]idempotencyEntry
	operations  map[string]*models.OperationRecord
	sagas       map[string]*models.Saga
	history     map[string][]*models.SagaHistoryEntry
	locks       map[string]models.Lock
	expiryIndex map[string]time.Time

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		idempotency: make(map[string]idempotencyEntry),
		operations:  make(map[string]*models.OperationRecord),
		sagas:       make(map[string]*models.Saga),
		history:     make(map[string][]*models.SagaHistoryEntry),
		locks:       make(map[string]models.Lock),
		expiryIndex: make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *Store) IdempotencyRecord(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.idempotency[key]
	if !ok {
		return nil, store.NewStoreError("IdempotencyRecord", key, store.ErrIdempotencyRecordNotFound)
	}

	if !entry.deadline.IsZero() && s.now().After(entry.deadline) {
		return nil, store.NewStoreError("IdempotencyRecord", key, store.ErrIdempotencyRecordNotFound)
	}

	record := *entry.record

	return &record, nil
}

func (s *Store) SaveIdempotencyRecord(_ context.Context, record *models.IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *record

	entry := idempotencyEntry{record: &stored}
	if ttl > 0 {
		entry.deadline = s.now().Add(ttl)
	}

	s.idempotency[record.Key] = entry

	return nil
}

func (s *Store) DeleteIdempotencyRecord(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.idempotency[key]
	delete(s.idempotency, key)
	delete(s.expiryIndex, key)

	return ok, nil
}

func (s *Store) OperationRecord(_ context.Context, id string) (*models.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.operations[id]
	if !ok {
		return nil, store.NewStoreError("OperationRecord", id, store.ErrOperationRecordNotFound)
	}

	clone := *record

	return &clone, nil
}

func (s *Store) SaveOperationRecord(_ context.Context, record *models.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.operations[record.ID] = &clone

	return nil
}

func (s *Store) DeleteOperationRecord(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.operations[id]
	delete(s.operations, id)

	return ok, nil
}

func (s *Store) OperationRecordsByTenant(_ context.Context, tenantID string, limit, offset int) ([]*models.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.OperationRecord

	for _, record := range s.operations {
		if record.TenantID == tenantID {
			clone := *record
			records = append(records, &clone)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if offset >= len(records) {
		return []*models.OperationRecord{}, nil
	}

	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	return records, nil
}

func (s *Store) Saga(_ context.Context, id string) (*models.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saga, ok := s.sagas[id]
	if !ok {
		return nil, store.NewStoreError("Saga", id, store.ErrSagaNotFound)
	}

	return cloneSaga(saga), nil
}

func (s *Store) SaveSaga(_ context.Context, saga *models.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sagas[saga.ID] = cloneSaga(saga)

	return nil
}

func (s *Store) DeleteSaga(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sagas[id]
	delete(s.sagas, id)
	delete(s.history, id)

	return ok, nil
}

func (s *Store) AppendSagaHistory(_ context.Context, entry *models.SagaHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *entry
	s.history[entry.SagaID] = append(s.history[entry.SagaID], &clone)

	return nil
}

func (s *Store) SagaHistory(_ context.Context, sagaID string) ([]*models.SagaHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[sagaID]

	out := make([]*models.SagaHistoryEntry, len(entries))
	for i, entry := range entries {
		clone := *entry
		out[i] = &clone
	}

	return out, nil
}

func (s *Store) IndexExpiry(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiryIndex[key] = at

	return nil
}

func (s *Store) ExpiredKeys(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string

	for key, at := range s.expiryIndex {
		if at.Before(cutoff) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *Store) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	existing, held := s.locks[key]
	if held && !existing.Expired(now) {
		return false, nil
	}

	s.locks[key] = models.Lock{
		Key:       key,
		Token:     token,
		ExpiresAt: now.Add(ttl),
	}

	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, held := s.locks[key]
	if !held || existing.Token != token {
		return false, nil
	}

	delete(s.locks, key)

	return true, nil
}

func (s *Store) CleanupExpiredData(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for key, at := range s.expiryIndex {
		if at.Before(now) {
			delete(s.expiryIndex, key)
			delete(s.idempotency, key)

			removed++
		}
	}

	for key, lock := range s.locks {
		if lock.Expired(now) {
			delete(s.locks, key)

			removed++
		}
	}

	return removed, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Stats(_ context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &store.Stats{
		IdempotencyRecords: len(s.idempotency),
		OperationRecords:   len(s.operations),
		Sagas:              len(s.sagas),
		Locks:              len(s.locks),
	}, nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

func cloneSaga(saga *models.Saga) *models.Saga {
	clone := *saga
	clone.Steps = append([]string(nil), saga.Steps...)
	clone.Results = append([]models.StepResult(nil), saga.Results...)
	clone.CompensationResults = append([]models.StepResult(nil), saga.CompensationResults...)

	return &clone
}
