package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/database"
	"github.com/jordanhubbard/foundry/pkg/models"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.QueuedJob
	seq  int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.QueuedJob)}
}

func (s *memStore) InsertJob(j *models.QueuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	// Monotonic timestamps so FIFO within a tier is deterministic even when
	// inserts land in the same wall-clock instant.
	s.seq++
	cp.CreatedAt = cp.CreatedAt.Add(time.Duration(s.seq) * time.Microsecond)
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memStore) GetJob(id string) (*models.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) NextPendingJob() (*models.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*models.QueuedJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, database.ErrJobNotFound
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].Priority.Rank() != pending[b].Priority.Rank() {
			return pending[a].Priority.Rank() < pending[b].Priority.Rank()
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	cp := *pending[0]
	return &cp, nil
}

func (s *memStore) ClaimJob(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusProcessing
	j.UpdatedAt = at
	return true, nil
}

func (s *memStore) CompleteJob(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	j.Status = models.JobStatusCompleted
	j.UpdatedAt = at
	j.FinishedAt = &at
	return nil
}

func (s *memStore) FailJob(id, errMsg string, at time.Time) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", database.ErrJobNotFound
	}
	j.Attempts++
	j.Error = errMsg
	j.UpdatedAt = at
	if j.Attempts >= j.MaxAttempts {
		j.Status = models.JobStatusFailed
		j.FinishedAt = &at
	} else {
		j.Status = models.JobStatusPending
	}
	return j.Status, nil
}

func (s *memStore) PendingJobCounts() (map[models.JobPriority]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.JobPriority]int)
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			counts[j.Priority]++
		}
	}
	return counts, nil
}

func (s *memStore) RequeueStaleProcessingJobs(cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for _, j := range s.jobs {
		if requeued >= limit {
			break
		}
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = models.JobStatusPending
			requeued++
		}
	}
	return requeued, nil
}

func (s *memStore) DeleteTerminalJobsBefore(cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, j := range s.jobs {
		if deleted >= limit {
			break
		}
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func TestDequeuePriorityOrder(t *testing.T) {
	store := newMemStore()
	q := New(store)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "task", []byte("a"), models.JobPriorityNormal)
	b, _ := q.Enqueue(ctx, "task", []byte("b"), models.JobPriorityLow)
	c, _ := q.Enqueue(ctx, "task", []byte("c"), models.JobPriorityHigh)

	want := []string{c.ID, a.ID, b.ID}
	for i, id := range want {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d failed: %v", i, err)
		}
		if job.ID != id {
			t.Fatalf("dequeue %d = %s, want %s", i, job.ID, id)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestDequeueFIFOWithinTier(t *testing.T) {
	store := newMemStore()
	q := New(store)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	second, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job.ID != first.ID {
		t.Fatalf("expected %s first, got %s", first.ID, job.ID)
	}
	job, _ = q.Dequeue(ctx)
	if job.ID != second.ID {
		t.Fatalf("expected %s second, got %s", second.ID, job.ID)
	}
}

func TestEnqueueUnknownPriorityFallsBackToNormal(t *testing.T) {
	q := New(newMemStore())
	job, err := q.Enqueue(context.Background(), "task", nil, models.JobPriority("urgent"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if job.Priority != models.JobPriorityNormal {
		t.Fatalf("priority = %s, want normal", job.Priority)
	}
}

func TestFailRequeuesUntilAttemptCap(t *testing.T) {
	store := newMemStore()
	q := New(store, WithMaxAttempts(3))
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	cause := errors.New("sandbox exploded")

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("dequeue before attempt %d failed: %v", attempt, err)
		}
		status, err := q.Fail(ctx, job.ID, cause)
		if err != nil {
			t.Fatalf("fail %d errored: %v", attempt, err)
		}
		if status != models.JobStatusPending {
			t.Fatalf("after attempt %d status = %s, want pending", attempt, status)
		}
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("final dequeue failed: %v", err)
	}
	status, err := q.Fail(ctx, job.ID, cause)
	if err != nil {
		t.Fatalf("final fail errored: %v", err)
	}
	if status != models.JobStatusFailed {
		t.Fatalf("final status = %s, want failed", status)
	}

	got, _ := q.Get(job.ID)
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if got.Error != cause.Error() {
		t.Fatalf("error = %q, want %q", got.Error, cause.Error())
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatal("terminally failed job must not be redelivered")
	}
}

func TestPollerSkipsWhileBreakerOpen(t *testing.T) {
	store := newMemStore()
	q := New(store)
	ctx := context.Background()
	q.Enqueue(ctx, "task", nil, models.JobPriorityHigh)

	brk := breaker.New("sandbox-provider", breaker.WithThreshold(1))
	_ = brk.Execute(ctx, func(ctx context.Context) error { return errors.New("boom") })
	if brk.State() != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	handled := 0
	p := NewPoller(q, brk, func(ctx context.Context, job *models.QueuedJob) error {
		handled++
		return nil
	})
	p.pollOnce(ctx)

	if handled != 0 {
		t.Fatalf("handler invoked %d times while breaker open", handled)
	}
	job, err := q.store.NextPendingJob()
	if err != nil {
		t.Fatalf("job should still be pending: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Fatalf("job status = %s, want pending", job.Status)
	}
}

func TestPollerDrainsAndCompletes(t *testing.T) {
	store := newMemStore()
	q := New(store)
	ctx := context.Background()

	j1, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	j2, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)

	var handled []string
	p := NewPoller(q, nil, func(ctx context.Context, job *models.QueuedJob) error {
		handled = append(handled, job.ID)
		return nil
	})
	p.pollOnce(ctx)

	if len(handled) != 2 {
		t.Fatalf("handled %d jobs, want 2", len(handled))
	}
	for _, id := range []string{j1.ID, j2.ID} {
		got, _ := q.Get(id)
		if got.Status != models.JobStatusCompleted {
			t.Fatalf("job %s status = %s, want completed", id, got.Status)
		}
	}
}

func TestPollerRecordsHandlerFailure(t *testing.T) {
	store := newMemStore()
	q := New(store, WithMaxAttempts(3))
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)

	calls := 0
	p := NewPoller(q, nil, func(ctx context.Context, j *models.QueuedJob) error {
		calls++
		return errors.New("handler failure")
	})
	p.pollOnce(ctx)

	if calls != 3 {
		t.Fatalf("handler called %d times, want 3 (drain redelivers until cap)", calls)
	}
	got, _ := q.Get(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestSweeperRequeuesStaleClaims(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	q := New(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	stale, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	fresh, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)

	// Claim both, then age one claim past the stale window: a worker that
	// died after dequeue leaves exactly this shape behind.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	store.mu.Lock()
	store.jobs[stale.ID].UpdatedAt = now.Add(-4 * time.Hour)
	store.jobs[fresh.ID].UpdatedAt = now.Add(-time.Minute)
	store.mu.Unlock()

	s := NewSweeper(q, nil, WithStaleClaimAfter(3*time.Hour), WithSweepBatchSize(100))
	s.sweep()

	got, _ := q.Get(stale.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("stale claim status = %s, want pending", got.Status)
	}
	got, _ = q.Get(fresh.ID)
	if got.Status != models.JobStatusProcessing {
		t.Fatalf("in-flight claim status = %s, want processing", got.Status)
	}

	// The requeued job is deliverable again.
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after requeue failed: %v", err)
	}
	if job.ID != stale.ID {
		t.Fatalf("redelivered %s, want %s", job.ID, stale.ID)
	}
}

func TestSweeperPrunesOldTerminalJobs(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	q := New(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	recent, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)
	pending, _ := q.Enqueue(ctx, "task", nil, models.JobPriorityNormal)

	oldFinish := now.Add(-8 * 24 * time.Hour)
	store.mu.Lock()
	store.jobs[old.ID].Status = models.JobStatusFailed
	store.jobs[old.ID].FinishedAt = &oldFinish
	store.jobs[recent.ID].Status = models.JobStatusCompleted
	store.jobs[recent.ID].FinishedAt = &now
	store.mu.Unlock()

	s := NewSweeper(q, nil, WithRetention(7*24*time.Hour), WithSweepBatchSize(100))
	s.sweep()

	if _, err := q.Get(old.ID); !errors.Is(err, database.ErrJobNotFound) {
		t.Fatal("old terminal job should be pruned")
	}
	if _, err := q.Get(recent.ID); err != nil {
		t.Fatal("recent terminal job should survive")
	}
	if _, err := q.Get(pending.ID); err != nil {
		t.Fatal("pending job should survive")
	}
}
