package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Handler processes one claimed job. A nil return completes the job; an
// error records a failed attempt and the job is redelivered until its
// attempt cap.
type Handler func(ctx context.Context, job *models.QueuedJob) error

// Gate reports the downstream circuit state. Polls are skipped entirely
// while the circuit is open so queued work is not burned on attempts that
// would fast-fail.
type Gate interface {
	State() breaker.State
}

// Poller drains the queue on an interval and dispatches jobs to a handler.
type Poller struct {
	queue   *Queue
	gate    Gate
	handler Handler

	interval time.Duration
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval sets how often the queue is checked.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// NewPoller creates a queue poller. gate may be nil when no breaker guards
// the downstream.
func NewPoller(q *Queue, gate Gate, handler Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		queue:    q,
		gate:     gate,
		handler:  handler,
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. Jobs are processed one at a time in
// claim order; the handler's error decides redelivery.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Printf("[QueuePoller] Started (interval %v)", p.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QueuePoller] Stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce drains everything currently deliverable, stopping when the queue
// empties, the circuit opens, or ctx is cancelled.
func (p *Poller) pollOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.gate != nil && p.gate.State() != breaker.StateClosed {
			p.queue.metrics.QueuePolls.WithLabelValues("skipped_open").Inc()
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if errors.Is(err, ErrEmpty) {
			p.queue.metrics.QueuePolls.WithLabelValues("empty").Inc()
			p.queue.UpdateDepthGauges()
			return
		}
		if err != nil {
			log.Printf("[QueuePoller] Dequeue failed: %v", err)
			return
		}
		p.queue.metrics.QueuePolls.WithLabelValues("delivered").Inc()

		if herr := p.handler(ctx, job); herr != nil {
			if _, ferr := p.queue.Fail(ctx, job.ID, herr); ferr != nil {
				log.Printf("[QueuePoller] Failed to record failure for job %s: %v", job.ID, ferr)
			}
			continue
		}
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			log.Printf("[QueuePoller] Failed to complete job %s: %v", job.ID, cerr)
		}
	}
}
