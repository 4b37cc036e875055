// Package driver implements the top-level orchestration sequence for one
// job: acquire a sandbox, run the agent network or the council against it,
// persist every decision, and always release the sandbox, even on error.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/foundry/internal/agentnet"
	"github.com/jordanhubbard/foundry/internal/council"
	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/internal/sandbox"
	"github.com/jordanhubbard/foundry/internal/telemetry"
	"github.com/jordanhubbard/foundry/pkg/messages"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Sandboxes is the lifecycle slice the driver needs, satisfied by
// internal/sandbox.Manager.
type Sandboxes interface {
	Acquire(ctx context.Context, req sandbox.AcquireRequest) (*sandbox.Handle, error)
	Release(ctx context.Context, sandboxID string)
}

// NetworkRunner runs the phase pipeline, satisfied by agentnet.Router.
type NetworkRunner interface {
	Run(ctx context.Context, sb agentnet.Sandbox, instruction string) (models.NetworkState, error)
}

// VoteCaster gathers council votes on the task's artifact. Implementations
// that cannot reach an agent return what they have; an empty set triggers
// the fallback votes.
type VoteCaster interface {
	CastVotes(ctx context.Context, sb agentnet.Sandbox, task models.TaskSpec) ([]models.AgentVote, error)
}

// DecisionStore persists the audit trail and council outcomes, satisfied
// by internal/database.
type DecisionStore interface {
	AppendDecision(jobID, agent, decision, reasoning string, at time.Time) (*models.DecisionLogEntry, error)
	SaveCouncilOutcome(jobID string, decision *models.CouncilDecision, at time.Time) error
}

// EventPublisher pushes decision events to the message bus. May be nil.
type EventPublisher interface {
	Publish(ctx context.Context, event *messages.EventMessage) error
}

// Outcome summarizes one completed orchestration run.
type Outcome struct {
	Mode      models.TaskMode         `json:"mode"`
	SandboxID string                  `json:"sandbox_id"`
	Network   *models.NetworkState    `json:"network,omitempty"`
	Council   *models.CouncilDecision `json:"council,omitempty"`
}

// Driver sequences one orchestration run per task.
type Driver struct {
	sandboxes Sandboxes
	network   NetworkRunner
	votes     VoteCaster
	store     DecisionStore
	events    EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithEventPublisher wires decision events to the message bus.
func WithEventPublisher(p EventPublisher) Option {
	return func(d *Driver) { d.events = p }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New creates a Driver.
func New(sandboxes Sandboxes, network NetworkRunner, votes VoteCaster, store DecisionStore, opts ...Option) *Driver {
	d := &Driver{
		sandboxes: sandboxes,
		network:   network,
		votes:     votes,
		store:     store,
		metrics:   metrics.NewMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleJob adapts the driver to the queue's handler contract: the job
// payload is a TaskSpec. The queue records the returned error on the job
// before redelivery or terminal failure.
func (d *Driver) HandleJob(ctx context.Context, job *models.QueuedJob) error {
	var task models.TaskSpec
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return fmt.Errorf("malformed task payload: %w", err)
	}
	if task.JobID == "" {
		task.JobID = job.ID
	}
	_, err := d.Run(ctx, task)
	return err
}

// Run executes one orchestration for the task. The sandbox is always
// released before return, whatever happened in between; decisions made
// before a failure are persisted so the audit trail survives the error.
func (d *Driver) Run(ctx context.Context, task models.TaskSpec) (*Outcome, error) {
	started := d.now()
	telemetry.JobsStarted.Add(ctx, 1)
	outcome, err := d.run(ctx, task)
	if err == nil {
		telemetry.JobsCompleted.Add(ctx, 1)
	}

	result := "completed"
	if err != nil {
		result = "failed"
	}
	d.metrics.JobsTotal.WithLabelValues(string(task.Mode), result).Inc()
	d.metrics.JobDuration.WithLabelValues(string(task.Mode)).Observe(d.now().Sub(started).Seconds())
	return outcome, err
}

func (d *Driver) run(ctx context.Context, task models.TaskSpec) (*Outcome, error) {
	if task.Instruction == "" {
		return nil, fmt.Errorf("task %s has no instruction", task.JobID)
	}

	handle, err := d.sandboxes.Acquire(ctx, sandbox.AcquireRequest{
		ProjectID:         task.ProjectID,
		OwnerID:           task.OwnerID,
		Framework:         task.Framework,
		ExistingSandboxID: task.SandboxID,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox acquisition failed: %w", err)
	}
	defer d.sandboxes.Release(ctx, handle.SandboxID)

	outcome := &Outcome{Mode: task.Mode, SandboxID: handle.SandboxID}
	switch task.Mode {
	case models.TaskModeCouncil:
		decision, cerr := d.runCouncil(ctx, handle, task)
		outcome.Council = decision
		err = cerr
	default:
		state, nerr := d.runNetwork(ctx, handle, task)
		outcome.Network = &state
		err = nerr
	}
	if err != nil {
		return outcome, err
	}

	log.Printf("[Driver] Job %s completed (%s, sandbox %s)", task.JobID, task.Mode, handle.SandboxID)
	return outcome, nil
}

// runNetwork runs the phase pipeline and persists the audit trail. The
// trail is persisted even when the pipeline errors partway.
func (d *Driver) runNetwork(ctx context.Context, handle *sandbox.Handle, task models.TaskSpec) (models.NetworkState, error) {
	state, runErr := d.network.Run(ctx, handle, task.Instruction)
	d.persistDecisions(ctx, task, state.Decisions)
	if runErr != nil {
		return state, fmt.Errorf("agent network failed: %w", runErr)
	}
	return state, nil
}

// runCouncil gathers votes and persists the reduced verdict together with
// its source votes. Agents that emit nothing are substituted with the
// fallback set, noted on the decision.
func (d *Driver) runCouncil(ctx context.Context, handle *sandbox.Handle, task models.TaskSpec) (*models.CouncilDecision, error) {
	votes, err := d.votes.CastVotes(ctx, handle, task)
	if err != nil {
		return nil, fmt.Errorf("vote collection failed: %w", err)
	}

	note := ""
	if len(votes) == 0 {
		votes = council.FallbackVotes()
		note = "no agent votes received; default votes applied"
		log.Printf("[Driver] Job %s: %s", task.JobID, note)
	}

	c := council.New()
	c.RecordVotes(votes)
	decision := c.GetConsensus(note)

	now := d.now()
	if err := d.store.SaveCouncilOutcome(task.JobID, &decision, now); err != nil {
		return &decision, fmt.Errorf("failed to persist council outcome: %w", err)
	}
	d.persistDecisions(ctx, task, []models.AgentDecision{{
		Agent:     "council",
		Decision:  string(decision.FinalDecision),
		Reasoning: fmt.Sprintf("%d of %d votes agreed", decision.AgreeCount, decision.TotalVotes),
		Timestamp: now,
	}})
	return &decision, nil
}

// persistDecisions appends audit entries to the durable log and streams
// them to the message bus. Persistence failures are logged, not fatal:
// losing an audit row must not fail a job that otherwise succeeded.
func (d *Driver) persistDecisions(ctx context.Context, task models.TaskSpec, decisions []models.AgentDecision) {
	for _, dec := range decisions {
		entry, err := d.store.AppendDecision(task.JobID, dec.Agent, dec.Decision, dec.Reasoning, dec.Timestamp)
		if err != nil {
			log.Printf("[Driver] Failed to persist decision for job %s: %v", task.JobID, err)
			continue
		}
		if d.events != nil {
			if perr := d.events.Publish(ctx, messages.DecisionAppended(task.ProjectID, task.JobID, "driver", *entry)); perr != nil {
				log.Printf("[Driver] Failed to publish decision event for job %s: %v", task.JobID, perr)
			}
		}
	}
}
