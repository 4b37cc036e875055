package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/breaker"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Dispatcher drains the job queue into durable workflows: each dequeued job
// becomes one AgentTaskWorkflow execution. It replaces the in-process
// poller when Temporal is enabled; job completion is recorded by the
// workflow's own activities, not here.
type Dispatcher struct {
	queue    *queue.Queue
	manager  *Manager
	gate     queue.Gate
	interval time.Duration
}

// NewDispatcher creates a dispatcher polling on the given interval.
func NewDispatcher(q *queue.Queue, m *Manager, gate queue.Gate, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{queue: q, manager: m, gate: gate, interval: interval}
}

// Run polls until the context is cancelled. Like the in-process poller, the
// queue is left alone while the sandbox-provider breaker is open: starting
// workflows that would immediately fast-fail only burns attempts.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("[Dispatcher] Started (interval %s)", d.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Dispatcher] Stopped")
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	for {
		if d.gate != nil && d.gate.State() != breaker.StateClosed {
			return
		}
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && !errors.Is(err, context.Canceled) {
				log.Printf("[Dispatcher] Dequeue failed: %v", err)
			}
			d.queue.UpdateDepthGauges()
			return
		}

		var task models.TaskSpec
		if derr := json.Unmarshal(job.Payload, &task); derr != nil {
			if _, ferr := d.queue.Fail(ctx, job.ID, fmt.Errorf("malformed task payload: %w", derr)); ferr != nil {
				log.Printf("[Dispatcher] Failed to record bad payload on job %s: %v", job.ID, ferr)
			}
			continue
		}
		task.JobID = job.ID

		if _, err := d.manager.StartAgentTask(ctx, task); err != nil {
			if _, ferr := d.queue.Fail(ctx, job.ID, err); ferr != nil {
				log.Printf("[Dispatcher] Failed to record workflow start failure on job %s: %v", job.ID, ferr)
			}
		}
	}
}
