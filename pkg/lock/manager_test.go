package lock_test

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/store/memory"
)

func newManager(t *testing.T, lease time.Duration) *lock.Manager {
	t.Helper()

	return lock.NewManager(memory.NewStore(), lease, slog.Default())
}

func TestManager_AcquireRelease(t *testing.T) {
	t.Parallel()

	manager := newManager(t, time.Minute)
	ctx := t.Context()

	handle, ok, err := manager.Acquire(ctx, "resource")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, handle)
	assert.NotEmpty(t, handle.Token)

	// Second attempt fails immediately, no blocking.
	_, ok, err = manager.Acquire(ctx, "resource")
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := manager.Release(ctx, handle)
	require.NoError(t, err)
	assert.True(t, released)

	// Released again is a no-op.
	released, err = manager.Release(ctx, handle)
	require.NoError(t, err)
	assert.False(t, released)

	_, ok, err = manager.Acquire(ctx, "resource")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ReleaseNilHandle(t *testing.T) {
	t.Parallel()

	manager := newManager(t, time.Minute)

	released, err := manager.Release(t.Context(), nil)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestManager_MutualExclusionUnderConcurrency(t *testing.T) {
	t.Parallel()

	manager := newManager(t, time.Minute)
	ctx := t.Context()

	var (
		wins int64
		wg   sync.WaitGroup
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, ok, err := manager.Acquire(ctx, "contended")
			assert.NoError(t, err)

			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), wins)
}

func TestManager_LeaseExpiryAllowsReclaim(t *testing.T) {
	t.Parallel()

	manager := newManager(t, time.Minute)
	ctx := t.Context()

	stale, ok, err := manager.AcquireWithLease(ctx, "resource", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	// Lease passed: the lock is acquirable without explicit release.
	fresh, ok, err := manager.Acquire(ctx, "resource")
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release no longer matches and must not disturb the new holder.
	released, err := manager.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = manager.Release(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, released)
}
