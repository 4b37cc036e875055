// Package workflows defines the durable orchestration workflow. The
// workflow only sequences activities; all engine logic lives behind them.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/foundry/internal/driver"
	"github.com/jordanhubbard/foundry/internal/temporal/activities"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// AgentTaskWorkflow runs one orchestration job end to end: claim the
// queued job, run the agent network or council, and record the terminal
// outcome. Each step is an independently retryable activity; permanent
// failures short-circuit the retry policy.
func AgentTaskWorkflow(ctx workflow.Context, task models.TaskSpec) (*driver.Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Agent task workflow started", "jobID", task.JobID, "projectID", task.ProjectID, "mode", task.Mode)

	claimOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{activities.ErrTypePermanent},
		},
	}
	claimCtx := workflow.WithActivityOptions(ctx, claimOptions)
	if err := workflow.ExecuteActivity(claimCtx, "ClaimJobActivity", task.JobID).Get(claimCtx, nil); err != nil {
		logger.Error("Claim failed", "jobID", task.JobID, "error", err)
		return nil, err
	}

	// The run itself gets a long timeout: sandbox creation, the full
	// iteration loop, and decision persistence happen inside it. Retrying
	// the whole run is safe because sandbox acquisition reconnects and the
	// decision trail appends.
	runOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{activities.ErrTypePermanent},
		},
	}
	runCtx := workflow.WithActivityOptions(ctx, runOptions)

	var result driver.Outcome
	runErr := workflow.ExecuteActivity(runCtx, "RunTaskActivity", task).Get(runCtx, &result)

	finishOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}

	if runErr != nil {
		// Record the failure even when the workflow itself is being
		// cancelled; the job row must not be left in processing.
		disconnectedCtx, _ := workflow.NewDisconnectedContext(ctx)
		failCtx := workflow.WithActivityOptions(disconnectedCtx, finishOptions)
		var status models.JobStatus
		if err := workflow.ExecuteActivity(failCtx, "FailJobActivity", task.JobID, runErr.Error()).Get(failCtx, &status); err != nil {
			logger.Error("Failed to record job failure", "jobID", task.JobID, "error", err)
		} else {
			logger.Info("Job failure recorded", "jobID", task.JobID, "status", status)
		}
		return &result, runErr
	}

	finishCtx := workflow.WithActivityOptions(ctx, finishOptions)
	if err := workflow.ExecuteActivity(finishCtx, "CompleteJobActivity", task.JobID).Get(finishCtx, nil); err != nil {
		logger.Error("Failed to mark job completed", "jobID", task.JobID, "error", err)
		return &result, err
	}

	logger.Info("Agent task workflow completed", "jobID", task.JobID)
	return &result, nil
}
