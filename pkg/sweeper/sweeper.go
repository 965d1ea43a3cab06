// Package sweeper periodically removes expired idempotency records and
// reclaims expired locks from the store.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/store"
)

const (
	// DefaultSchedule runs the sweep once a minute.
	DefaultSchedule = "* * * * *"

	sweepLockKey   = "sweeper:cleanup"
	sweepLockLease = 5 * time.Minute
)

// Sweeper drives store.CleanupExpiredData on a cron schedule. Concurrent
// sweepers coordinate through a lease lock so each sweep runs on one instance;
// the others skip the tick.
type Sweeper struct {
	store    store.Store
	locks    *lock.Manager
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

func NewSweeper(s store.Store, locks *lock.Manager, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	return &Sweeper{
		store:    s,
		locks:    locks,
		schedule: schedule,
		logger:   logger.With("module", "sweeper"),
	}
}

// Start validates the schedule and begins sweeping. It returns immediately;
// sweeps run on the cron's goroutine until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return err
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", s.schedule)

	return nil
}

// Sweep runs one cleanup pass. Exported so operators can trigger an immediate
// sweep besides the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	handle, ok, err := s.locks.AcquireWithLease(ctx, sweepLockKey, sweepLockLease)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to acquire sweep lock", "error", err)

		return
	}

	if !ok {
		s.logger.DebugContext(ctx, "Another sweeper holds the cleanup lock; skipping")

		return
	}

	defer func() {
		_, _ = s.locks.Release(ctx, handle)
	}()

	started := time.Now()

	removed, err := s.store.CleanupExpiredData(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Cleanup pass failed", "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Cleanup pass finished",
		"removed", removed, "duration", time.Since(started))
}

func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.logger.InfoContext(ctx, "Sweeper stopped")
}
