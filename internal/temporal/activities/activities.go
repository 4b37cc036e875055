// Package activities implements the Temporal activities that make up one
// durable orchestration run. Each activity is an independently retryable
// unit; Temporal's retry policy handles transient failures between them.
package activities

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/foundry/internal/driver"
	"github.com/jordanhubbard/foundry/internal/queue"
	"github.com/jordanhubbard/foundry/internal/sberrors"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// ErrTypePermanent marks activity errors Temporal must not retry.
const ErrTypePermanent = "PermanentFailure"

// Activities bundles the engine components the workflow drives.
type Activities struct {
	driver *driver.Driver
	queue  *queue.Queue
}

// NewActivities creates the activity set.
func NewActivities(d *driver.Driver, q *queue.Queue) *Activities {
	return &Activities{driver: d, queue: q}
}

// ClaimJobActivity transitions the job to processing. A job someone else
// already claimed is a permanent failure: the workflow must not run it.
func (a *Activities) ClaimJobActivity(ctx context.Context, jobID string) error {
	job, err := a.queue.Get(jobID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("job %s not found", jobID), ErrTypePermanent, err)
	}
	if job.Status == models.JobStatusProcessing {
		// Re-delivery of the claim after a workflow replay; idempotent.
		return nil
	}
	if job.Status.Terminal() {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("job %s is already %s", jobID, job.Status), ErrTypePermanent, nil)
	}
	claimed, err := a.queue.Claim(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("job %s was claimed elsewhere", jobID), ErrTypePermanent, nil)
	}
	return nil
}

// RunTaskActivity executes the orchestration for the task: sandbox
// acquisition, the agent network or council, decision persistence, and
// guaranteed sandbox release. Permanent provider errors are marked
// non-retryable so Temporal fails the run instead of looping.
func (a *Activities) RunTaskActivity(ctx context.Context, task models.TaskSpec) (*driver.Outcome, error) {
	outcome, err := a.driver.Run(ctx, task)
	if err != nil {
		if sberrors.Classify(err) == sberrors.ClassPermanent {
			return outcome, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePermanent, err)
		}
		return outcome, err
	}
	return outcome, nil
}

// CompleteJobActivity marks the job terminally successful.
func (a *Activities) CompleteJobActivity(ctx context.Context, jobID string) error {
	return a.queue.Complete(ctx, jobID)
}

// FailJobActivity records the failure reason on the job. The queue decides
// between redelivery and terminal failure based on the attempt cap.
func (a *Activities) FailJobActivity(ctx context.Context, jobID, reason string) (models.JobStatus, error) {
	return a.queue.Fail(ctx, jobID, fmt.Errorf("%s", reason))
}
