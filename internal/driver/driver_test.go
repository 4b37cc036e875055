package driver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/foundry/internal/agentnet"
	"github.com/jordanhubbard/foundry/internal/sandbox"
	"github.com/jordanhubbard/foundry/pkg/models"
)

type fakeSandboxes struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   []string
}

func (f *fakeSandboxes) Acquire(ctx context.Context, req sandbox.AcquireRequest) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return &sandbox.Handle{SandboxID: "sb-1", ProjectID: req.ProjectID}, nil
}

func (f *fakeSandboxes) Release(ctx context.Context, sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sandboxID)
}

type fakeNetwork struct {
	state models.NetworkState
	err   error
}

func (f *fakeNetwork) Run(ctx context.Context, sb agentnet.Sandbox, instruction string) (models.NetworkState, error) {
	return f.state, f.err
}

type fakeVotes struct {
	votes []models.AgentVote
	err   error
}

func (f *fakeVotes) CastVotes(ctx context.Context, sb agentnet.Sandbox, task models.TaskSpec) ([]models.AgentVote, error) {
	return f.votes, f.err
}

type fakeDecisionStore struct {
	mu       sync.Mutex
	appended []models.DecisionLogEntry
	outcome  *models.CouncilDecision
}

func (f *fakeDecisionStore) AppendDecision(jobID, agent, decision, reasoning string, at time.Time) (*models.DecisionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := models.DecisionLogEntry{
		JobID: jobID, Seq: len(f.appended) + 1,
		Agent: agent, Decision: decision, Reasoning: reasoning, CreatedAt: at,
	}
	f.appended = append(f.appended, entry)
	return &entry, nil
}

func (f *fakeDecisionStore) SaveCouncilOutcome(jobID string, decision *models.CouncilDecision, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *decision
	f.outcome = &cp
	return nil
}

func networkTask() models.TaskSpec {
	return models.TaskSpec{
		JobID: "job-1", ProjectID: "proj-1", OwnerID: "user-1",
		Instruction: "build the thing", Mode: models.TaskModeNetwork, Framework: "node",
	}
}

func TestRunNetworkModeReleasesSandbox(t *testing.T) {
	sandboxes := &fakeSandboxes{}
	store := &fakeDecisionStore{}
	network := &fakeNetwork{state: models.NetworkState{
		Phase: models.PhaseComplete,
		Decisions: []models.AgentDecision{
			{Agent: "planner", Decision: "plan_ready"},
			{Agent: "reviewer", Decision: "approved"},
		},
	}}
	d := New(sandboxes, network, &fakeVotes{}, store)

	outcome, err := d.Run(context.Background(), networkTask())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Network == nil || outcome.Network.Phase != models.PhaseComplete {
		t.Fatal("outcome should carry the final network state")
	}
	if len(sandboxes.released) != 1 || sandboxes.released[0] != "sb-1" {
		t.Fatalf("released = %v, want [sb-1]", sandboxes.released)
	}
	if len(store.appended) != 2 {
		t.Fatalf("persisted %d decisions, want 2", len(store.appended))
	}
}

func TestRunReleasesSandboxOnNetworkFailure(t *testing.T) {
	sandboxes := &fakeSandboxes{}
	store := &fakeDecisionStore{}
	network := &fakeNetwork{
		state: models.NetworkState{
			Phase:     models.PhaseCoding,
			Decisions: []models.AgentDecision{{Agent: "planner", Decision: "plan_ready"}},
		},
		err: errors.New("coder crashed"),
	}
	d := New(sandboxes, network, &fakeVotes{}, store)

	_, err := d.Run(context.Background(), networkTask())
	if err == nil {
		t.Fatal("expected network error to propagate")
	}
	if len(sandboxes.released) != 1 {
		t.Fatalf("sandbox must be released on failure, released=%v", sandboxes.released)
	}
	if len(store.appended) != 1 {
		t.Fatalf("partial audit trail should persist, got %d entries", len(store.appended))
	}
}

func TestRunAcquireFailurePropagates(t *testing.T) {
	sandboxes := &fakeSandboxes{acquireErr: errors.New("provider down")}
	d := New(sandboxes, &fakeNetwork{}, &fakeVotes{}, &fakeDecisionStore{})

	_, err := d.Run(context.Background(), networkTask())
	if err == nil {
		t.Fatal("expected acquire error")
	}
	if len(sandboxes.released) != 0 {
		t.Fatal("nothing to release when acquire fails")
	}
}

func TestRunCouncilModePersistsOutcome(t *testing.T) {
	sandboxes := &fakeSandboxes{}
	store := &fakeDecisionStore{}
	votes := &fakeVotes{votes: []models.AgentVote{
		{AgentName: "quality", Decision: models.VoteApprove, Confidence: 0.9},
		{AgentName: "security", Decision: models.VoteApprove, Confidence: 0.8},
		{AgentName: "architecture", Decision: models.VoteReject, Confidence: 0.6},
	}}
	task := networkTask()
	task.Mode = models.TaskModeCouncil
	d := New(sandboxes, &fakeNetwork{}, votes, store)

	outcome, err := d.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Council == nil || outcome.Council.FinalDecision != models.VoteApprove {
		t.Fatalf("council outcome = %+v, want approve", outcome.Council)
	}
	if store.outcome == nil || len(store.outcome.Votes) != 3 {
		t.Fatal("votes must be persisted with the decision")
	}
	if store.outcome.OrchestratorNote != "" {
		t.Fatalf("unexpected note %q for real votes", store.outcome.OrchestratorNote)
	}
	if len(sandboxes.released) != 1 {
		t.Fatal("sandbox must be released")
	}
}

func TestRunCouncilFallbackWhenNoVotes(t *testing.T) {
	store := &fakeDecisionStore{}
	task := networkTask()
	task.Mode = models.TaskModeCouncil
	d := New(&fakeSandboxes{}, &fakeNetwork{}, &fakeVotes{}, store)

	outcome, err := d.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Council.FinalDecision != models.VoteRevise {
		t.Fatalf("fallback decision = %s, want revise", outcome.Council.FinalDecision)
	}
	if outcome.Council.TotalVotes == 0 {
		t.Fatal("fallback votes should be recorded")
	}
	if store.outcome.OrchestratorNote == "" {
		t.Fatal("fallback substitution must be noted")
	}
}

func TestHandleJobDecodesTaskSpec(t *testing.T) {
	store := &fakeDecisionStore{}
	network := &fakeNetwork{state: models.NetworkState{Phase: models.PhaseComplete}}
	d := New(&fakeSandboxes{}, network, &fakeVotes{}, store)

	payload, _ := json.Marshal(models.TaskSpec{
		ProjectID: "proj-1", Instruction: "do it", Mode: models.TaskModeNetwork, Framework: "node",
	})
	job := &models.QueuedJob{ID: "job-9", Type: "agent_task", Payload: payload}

	if err := d.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob failed: %v", err)
	}
}

func TestHandleJobRejectsMalformedPayload(t *testing.T) {
	d := New(&fakeSandboxes{}, &fakeNetwork{}, &fakeVotes{}, &fakeDecisionStore{})
	job := &models.QueuedJob{ID: "job-9", Payload: []byte("{not json")}
	if err := d.HandleJob(context.Background(), job); err == nil {
		t.Fatal("expected payload decode error")
	}
}

func TestRunRejectsEmptyInstruction(t *testing.T) {
	sandboxes := &fakeSandboxes{}
	d := New(sandboxes, &fakeNetwork{}, &fakeVotes{}, &fakeDecisionStore{})
	task := networkTask()
	task.Instruction = ""
	if _, err := d.Run(context.Background(), task); err == nil {
		t.Fatal("expected error for empty instruction")
	}
	if sandboxes.acquired != 0 {
		t.Fatal("no sandbox should be acquired for an invalid task")
	}
}
