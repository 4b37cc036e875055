package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/locker"
)

// LockProvider serializes sweep runs across instances. Satisfied by
// internal/locker.
type LockProvider interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Sweeper prunes terminal jobs past the retention window and requeues
// stale processing claims, in bounded batches.
type Sweeper struct {
	queue *Queue
	locks LockProvider

	interval   time.Duration
	retention  time.Duration
	staleAfter time.Duration
	batchSize  int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the retention sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithRetention sets how long terminal jobs are kept.
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retention = d }
}

// WithStaleClaimAfter sets how old a processing claim must be before the
// sweep reverts it to pending. Must exceed the longest legitimate job
// runtime or in-flight work gets redelivered.
func WithStaleClaimAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSweepBatchSize bounds deletions per sweep cycle.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) { s.batchSize = n }
}

// NewSweeper creates a retention sweeper. locks may be nil for single
// instance deployments.
func NewSweeper(q *Queue, locks LockProvider, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		queue:      q,
		locks:      locks,
		interval:   time.Hour,
		retention:  7 * 24 * time.Hour,
		staleAfter: 3 * time.Hour,
		batchSize:  500,
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

	log.Printf("[QueueSweeper] Started (interval %v, retention %v)", s.interval, s.retention)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QueueSweeper] Stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.locks == nil {
		s.sweep()
		return
	}
	err := s.locks.WithLock(ctx, "queue-sweep", s.interval, func(ctx context.Context) error {
		s.sweep()
		return nil
	})
	if err != nil && !errors.Is(err, locker.ErrNotAcquired) {
		log.Printf("[QueueSweeper] Lock error: %v", err)
	}
}

func (s *Sweeper) sweep() {
	cutoff := s.queue.now().Add(-s.retention)
	deleted, err := s.queue.store.DeleteTerminalJobsBefore(cutoff, s.batchSize)
	if err != nil {
		log.Printf("[QueueSweeper] Prune failed: %v", err)
		return
	}
	s.queue.metrics.QueueSweeps.Inc()
	if deleted > 0 {
		log.Printf("[QueueSweeper] Deleted %d terminal jobs older than %v", deleted, s.retention)
	}

	if _, err := s.queue.RequeueStale(s.staleAfter, s.batchSize); err != nil {
		log.Printf("[QueueSweeper] Stale-claim requeue failed: %v", err)
	}
}
