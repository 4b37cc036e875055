package sandbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/locker"
)

// RetentionStore deletes old killed session records in batches.
type RetentionStore interface {
	DeleteKilledSessionsBefore(cutoff time.Time, limit int) (int, error)
}

// LockProvider serializes sweep runs across instances. Satisfied by
// internal/locker.
type LockProvider interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Sweeper periodically pauses idle sandboxes and prunes killed session
// records past the retention window.
type Sweeper struct {
	manager   *Manager
	retention RetentionStore
	locks     LockProvider

	interval       time.Duration
	retentionAge   time.Duration
	sweepBatchSize int
	now            func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSessionRetention sets how long killed session records are kept.
func WithSessionRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retentionAge = d }
}

// WithSweepBatchSize bounds deletions per sweep so a backlog of old
// records cannot stall a cycle.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) { s.sweepBatchSize = n }
}

// WithSweeperClock overrides the time source for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sandbox sweeper. locks may be nil for single
// instance deployments.
func NewSweeper(manager *Manager, retention RetentionStore, locks LockProvider, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:        manager,
		retention:      retention,
		locks:          locks,
		interval:       time.Minute,
		retentionAge:   30 * 24 * time.Hour,
		sweepBatchSize: 500,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[SandboxSweeper] Started (interval %v, retention %v)", s.interval, s.retentionAge)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SandboxSweeper] Stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.locks == nil {
		s.sweep(ctx)
		return
	}
	err := s.locks.WithLock(ctx, "sandbox-sweep", s.interval, func(ctx context.Context) error {
		s.sweep(ctx)
		return nil
	})
	if err != nil && !errors.Is(err, locker.ErrNotAcquired) {
		log.Printf("[SandboxSweeper] Lock error: %v", err)
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	paused, killed, err := s.manager.PauseIdle(ctx)
	if err != nil {
		log.Printf("[SandboxSweeper] Idle pass failed: %v", err)
	} else if paused > 0 || killed > 0 {
		log.Printf("[SandboxSweeper] Paused %d, killed %d", paused, killed)
	}

	cutoff := s.now().Add(-s.retentionAge)
	deleted, err := s.retention.DeleteKilledSessionsBefore(cutoff, s.sweepBatchSize)
	if err != nil {
		log.Printf("[SandboxSweeper] Retention pass failed: %v", err)
	} else if deleted > 0 {
		log.Printf("[SandboxSweeper] Deleted %d killed sessions older than %v", deleted, s.retentionAge)
	}
}
