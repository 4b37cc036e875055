// Package temporal wires the engine into the durable workflow executor:
// one worker hosting the agent task workflow and its activities, plus the
// client-side entry point that starts a workflow per queued job.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/foundry/internal/driver"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/internal/temporal/activities"
	temporalclient "github.com/jordanhubbard/foundry/internal/temporal/client"
	"github.com/jordanhubbard/foundry/internal/temporal/workflows"
	"github.com/jordanhubbard/foundry/pkg/config"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Manager owns the Temporal client and worker.
type Manager struct {
	client *temporalclient.Client
	worker worker.Worker
	config *config.TemporalConfig
}

// NewManager connects to Temporal and registers the agent task workflow
// and activities on a worker. The worker does not poll until Start.
func NewManager(cfg *config.TemporalConfig, d *driver.Driver, q *queue.Queue) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	c, err := temporalclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.AgentTaskWorkflow)
	w.RegisterActivity(activities.NewActivities(d, q))

	log.Printf("[Temporal] Worker registered for task queue %s", cfg.TaskQueue)

	return &Manager{
		client: c,
		worker: w,
		config: cfg,
	}, nil
}

// Start begins polling the task queue.
func (m *Manager) Start() error {
	go func() {
		if err := m.worker.Run(worker.InterruptCh()); err != nil {
			log.Printf("[Temporal] Worker error: %v", err)
		}
	}()
	log.Println("[Temporal] Worker started")
	return nil
}

// Stop stops the worker and closes the client connection.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[Temporal] Stopped")
}

// StartAgentTask starts one durable orchestration run for the job. The
// workflow id is derived from the job id so a duplicate start of the same
// job is rejected by Temporal rather than run twice.
func (m *Manager) StartAgentTask(ctx context.Context, task models.TaskSpec) (string, error) {
	if task.JobID == "" {
		return "", fmt.Errorf("task job id is required")
	}

	options := client.StartWorkflowOptions{
		ID:                       "job-" + task.JobID,
		TaskQueue:                m.config.TaskQueue,
		WorkflowExecutionTimeout: m.config.WorkflowExecutionTimeout,
		WorkflowTaskTimeout:      m.config.WorkflowTaskTimeout,
	}

	run, err := m.client.ExecuteWorkflow(ctx, options, workflows.AgentTaskWorkflow, task)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			log.Printf("[Temporal] Workflow for job %s already running (run %s)", task.JobID, already.RunId)
			return already.RunId, nil
		}
		return "", fmt.Errorf("failed to start workflow for job %s: %w", task.JobID, err)
	}

	log.Printf("[Temporal] Started workflow %s (run %s) for job %s", run.GetID(), run.GetRunID(), task.JobID)
	return run.GetRunID(), nil
}

// CancelAgentTask requests cancellation of the workflow for a job.
func (m *Manager) CancelAgentTask(ctx context.Context, jobID string) error {
	return m.client.CancelWorkflow(ctx, "job-"+jobID, "")
}
