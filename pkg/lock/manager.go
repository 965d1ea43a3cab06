// Package lock provides distributed mutual exclusion with lease timeouts on top of
// the storage backend's atomic lock primitives.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opline/opline/pkg/store"
)

const DefaultLease = 30 * time.Second

// Handle identifies one successful acquisition. Only the holder of a handle can
// release the lock; a stale handle (lease expired and reclaimed elsewhere) releases
// nothing.
type Handle struct {
	Key   string
	Token string
}

// Manager wraps the store's lock primitives with a default lease policy and
// token-based release. Acquire is a single-shot attempt; retry and backoff are the
// caller's responsibility.
type Manager struct {
	store  store.Store
	lease  time.Duration
	logger *slog.Logger
}

// NewManager creates a lock manager with the given default lease. A zero lease
// falls back to DefaultLease.
func NewManager(s store.Store, lease time.Duration, logger *slog.Logger) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}

	return &Manager{
		store:  s,
		lease:  lease,
		logger: logger.With("module", "lock_manager"),
	}
}

// Acquire attempts to take the lock with the default lease.
func (m *Manager) Acquire(ctx context.Context, key string) (*Handle, bool, error) {
	return m.AcquireWithLease(ctx, key, m.lease)
}

// AcquireWithLease attempts to take the lock with an explicit lease. The lease bounds
// how long a crashed holder can block others: once it passes, the lock is treated as
// available to the next acquirer even if never released.
func (m *Manager) AcquireWithLease(ctx context.Context, key string, lease time.Duration) (*Handle, bool, error) {
	if lease <= 0 {
		lease = m.lease
	}

	token := uuid.NewString()

	ok, err := m.store.AcquireLock(ctx, key, token, lease)
	if err != nil {
		return nil, false, err
	}

	if !ok {
		return nil, false, nil
	}

	m.logger.DebugContext(ctx, "Acquired lock", "key", key, "lease", lease)

	return &Handle{Key: key, Token: token}, true, nil
}

// Release gives the lock back. Releasing a lock you no longer hold (lease expired,
// reclaimed by another worker) is a no-op returning false.
func (m *Manager) Release(ctx context.Context, handle *Handle) (bool, error) {
	if handle == nil {
		return false, nil
	}

	released, err := m.store.ReleaseLock(ctx, handle.Key, handle.Token)
	if err != nil {
		return false, err
	}

	if !released {
		m.logger.WarnContext(ctx, "Release was a no-op, lock not held", "key", handle.Key)
	}

	return released, nil
}
