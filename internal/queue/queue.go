// Package queue implements the durable priority job queue. Jobs are
// persisted in Postgres; this package layers enqueue validation, claim
// semantics, retry accounting, and the retention sweep on top of the
// database rows.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/foundry/internal/database"
	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/pkg/messages"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Store is the durable job boundary, satisfied by internal/database.
type Store interface {
	InsertJob(j *models.QueuedJob) error
	GetJob(id string) (*models.QueuedJob, error)
	NextPendingJob() (*models.QueuedJob, error)
	ClaimJob(id string, at time.Time) (bool, error)
	CompleteJob(id string, at time.Time) error
	FailJob(id, errMsg string, at time.Time) (models.JobStatus, error)
	PendingJobCounts() (map[models.JobPriority]int, error)
	DeleteTerminalJobsBefore(cutoff time.Time, limit int) (int, error)
	RequeueStaleProcessingJobs(cutoff time.Time, limit int) (int, error)
}

// EventPublisher pushes queue events to the message bus. May be nil.
type EventPublisher interface {
	Publish(ctx context.Context, event *messages.EventMessage) error
}

// ErrEmpty is returned by Dequeue when no pending job exists.
var ErrEmpty = fmt.Errorf("queue is empty")

// Queue is the priority job queue.
type Queue struct {
	store       Store
	events      EventPublisher
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the delivery cap stamped on new jobs.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithEventPublisher wires job status events to the message bus.
func WithEventPublisher(p EventPublisher) Option {
	return func(q *Queue) { q.events = p }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue backed by the store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		metrics:     metrics.NewMetrics(),
		maxAttempts: models.DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a new pending job. Unrecognized priorities fall back to
// normal rather than failing the submission.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte, priority models.JobPriority) (*models.QueuedJob, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}
	switch priority {
	case models.JobPriorityHigh, models.JobPriorityNormal, models.JobPriorityLow:
	default:
		priority = models.JobPriorityNormal
	}

	now := q.now()
	job := &models.QueuedJob{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      models.JobStatusPending,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertJob(job); err != nil {
		return nil, err
	}
	q.publishStatus(ctx, job.ID, models.JobStatusPending)
	log.Printf("[Queue] Enqueued job %s (%s, %s)", job.ID, jobType, priority)
	return job, nil
}

// Dequeue claims and returns the next deliverable job: highest non-empty
// priority tier first, FIFO within a tier. Returns ErrEmpty when nothing is
// pending. A lost claim race is retried against the next candidate.
func (q *Queue) Dequeue(ctx context.Context) (*models.QueuedJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := q.store.NextPendingJob()
		if err != nil {
			if errors.Is(err, database.ErrJobNotFound) {
				return nil, ErrEmpty
			}
			return nil, err
		}
		claimed, err := q.store.ClaimJob(job.ID, q.now())
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		job.Status = models.JobStatusProcessing
		q.publishStatus(ctx, job.ID, models.JobStatusProcessing)
		return job, nil
	}
}

// Get returns one job by id.
func (q *Queue) Get(id string) (*models.QueuedJob, error) {
	return q.store.GetJob(id)
}

// Claim transitions one specific pending job to processing, for callers
// that deliver jobs by id (the durable workflow path) rather than by poll
// order. Returns false when the job is no longer pending.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	claimed, err := q.store.ClaimJob(id, q.now())
	if err != nil {
		return false, err
	}
	if claimed {
		q.publishStatus(ctx, id, models.JobStatusProcessing)
	}
	return claimed, nil
}

// Complete marks a job terminally successful.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.store.CompleteJob(id, q.now()); err != nil {
		return err
	}
	q.publishStatus(ctx, id, models.JobStatusCompleted)
	return nil
}

// Fail records a delivery failure. The job reverts to pending for
// redelivery until its attempt cap is reached, then becomes terminally
// failed. Returns the job's resulting status.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (models.JobStatus, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	status, err := q.store.FailJob(id, msg, q.now())
	if err != nil {
		return "", err
	}
	if status == models.JobStatusPending {
		q.metrics.JobRetries.Inc()
		log.Printf("[Queue] Job %s failed, requeued: %v", id, cause)
	} else {
		log.Printf("[Queue] Job %s terminally failed: %v", id, cause)
	}
	q.publishStatus(ctx, id, status)
	return status, nil
}

// RequeueStale reverts processing claims older than olderThan back to
// pending. A claim outlives its worker when the process dies between
// dequeue and the terminal record; redelivery still counts against the
// job's attempt cap. Returns how many jobs were requeued.
func (q *Queue) RequeueStale(olderThan time.Duration, limit int) (int, error) {
	cutoff := q.now().Add(-olderThan)
	n, err := q.store.RequeueStaleProcessingJobs(cutoff, limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Queue] Requeued %d stale claims older than %v", n, olderThan)
	}
	return n, nil
}

// UpdateDepthGauges refreshes the per-priority pending depth metrics.
func (q *Queue) UpdateDepthGauges() {
	counts, err := q.store.PendingJobCounts()
	if err != nil {
		log.Printf("[Queue] Depth count failed: %v", err)
		return
	}
	for _, p := range []models.JobPriority{models.JobPriorityHigh, models.JobPriorityNormal, models.JobPriorityLow} {
		q.metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

func (q *Queue) publishStatus(ctx context.Context, jobID string, status models.JobStatus) {
	if q.events == nil {
		return
	}
	if err := q.events.Publish(ctx, messages.JobStatusChanged("", jobID, "queue", status)); err != nil {
		log.Printf("[Queue] Event publish failed for job %s: %v", jobID, err)
	}
}
