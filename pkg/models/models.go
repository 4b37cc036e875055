package models

import "time"

// SandboxState represents the lifecycle state of a remote execution sandbox.
type SandboxState string

const (
	SandboxStateRunning SandboxState = "running"
	SandboxStatePaused  SandboxState = "paused"
	SandboxStateKilled  SandboxState = "killed"
)

// Terminal reports whether the state excludes the session from further
// lifecycle transitions.
func (s SandboxState) Terminal() bool {
	return s == SandboxStateKilled
}

// SandboxSession is the durable record of one remote execution environment
// bound to a project. The in-process handle cache is best-effort; this record
// is the source of truth across restarts.
type SandboxSession struct {
	SandboxID          string       `json:"sandbox_id"`
	ProjectID          string       `json:"project_id"`
	OwnerID            string       `json:"owner_id"`
	Framework          string       `json:"framework"`
	State              SandboxState `json:"state"`
	LastActivityAt     time.Time    `json:"last_activity_at"`
	AutoPauseTimeoutMs int64        `json:"auto_pause_timeout_ms"`
	CreatedAt          time.Time    `json:"created_at"`
}

// DefaultAutoPauseTimeout is how long a sandbox may sit idle before the
// pause sweep suspends it.
const DefaultAutoPauseTimeout = 10 * time.Minute

// AutoPauseTimeout returns the session's idle timeout as a duration,
// falling back to the default when unset.
func (s *SandboxSession) AutoPauseTimeout() time.Duration {
	if s.AutoPauseTimeoutMs <= 0 {
		return DefaultAutoPauseTimeout
	}
	return time.Duration(s.AutoPauseTimeoutMs) * time.Millisecond
}

// IdleFor reports how long the session has been without activity at now.
func (s *SandboxSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// SupportedFrameworks is the closed set of stacks a sandbox can be
// provisioned for. Create requests outside this set are rejected before
// reaching the provider.
var SupportedFrameworks = []string{"node", "react", "nextjs", "python", "go", "static"}

// FrameworkSupported reports whether the framework is in the supported set.
func FrameworkSupported(framework string) bool {
	for _, f := range SupportedFrameworks {
		if f == framework {
			return true
		}
	}
	return false
}

// JobStatus represents the queue status of a deferred job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job will never be redelivered.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPriority orders dequeue: all pending high jobs drain before any normal,
// and all normal before any low. Within a tier, FIFO by creation time.
type JobPriority string

const (
	JobPriorityHigh   JobPriority = "high"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityLow    JobPriority = "low"
)

// Rank returns the dequeue ordering rank for the priority (lower first).
func (p JobPriority) Rank() int {
	switch p {
	case JobPriorityHigh:
		return 0
	case JobPriorityNormal:
		return 1
	case JobPriorityLow:
		return 2
	default:
		return 3
	}
}

// DefaultMaxAttempts bounds job redelivery before terminal failure.
const DefaultMaxAttempts = 3

// QueuedJob is a deferred unit of work, typically enqueued while the sandbox
// provider is unavailable.
type QueuedJob struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Payload     []byte      `json:"payload"`
	Priority    JobPriority `json:"priority"`
	Status      JobStatus   `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// TaskMode selects which engine the driver runs for a job.
type TaskMode string

const (
	TaskModeNetwork TaskMode = "network"
	TaskModeCouncil TaskMode = "council"
)

// TaskSpec is the workflow trigger payload: one orchestration run.
type TaskSpec struct {
	JobID       string   `json:"job_id"`
	ProjectID   string   `json:"project_id"`
	OwnerID     string   `json:"owner_id"`
	Instruction string   `json:"instruction"`
	Mode        TaskMode `json:"mode"`
	Framework   string   `json:"framework,omitempty"`
	// SandboxID requests reconnection to an existing sandbox when set.
	SandboxID string `json:"sandbox_id,omitempty"`
}

// Phase is a named stage of the multi-agent pipeline.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseCoding    Phase = "coding"
	PhaseTesting   Phase = "testing"
	PhaseReviewing Phase = "reviewing"
	PhaseComplete  Phase = "complete"
)

// DefaultMaxIterations caps routing decisions per task. Reaching the cap
// forces the phase to complete regardless of pipeline state.
const DefaultMaxIterations = 15

// TestResults captures the outcome of the testing phase.
type TestResults struct {
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CodeReview captures the outcome of the reviewing phase.
type CodeReview struct {
	Quality        string   `json:"quality"` // "excellent", "good", "needs_work"
	Suggestions    []string `json:"suggestions,omitempty"`
	CriticalIssues []string `json:"critical_issues,omitempty"`
}

// AgentDecision is one entry of the audit trail surfaced to the product UI.
type AgentDecision struct {
	Agent     string    `json:"agent"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkState is the per-task working memory shared across agent turns.
// Iterations increase monotonically; once the cap is reached the phase is
// forced to complete.
type NetworkState struct {
	Instruction   string            `json:"instruction"`
	Phase         Phase             `json:"phase"`
	Iterations    int               `json:"iterations"`
	MaxIterations int               `json:"max_iterations"`
	Plan          string            `json:"plan,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	TestResults   *TestResults      `json:"test_results,omitempty"`
	CodeReview    *CodeReview       `json:"code_review,omitempty"`
	Decisions     []AgentDecision   `json:"decisions"`
}

// VoteDecision is a council member's verdict on one artifact.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteRevise  VoteDecision = "revise"
)

// AgentVote is one council member's weighted judgment.
type AgentVote struct {
	AgentName  string       `json:"agent_name"`
	Decision   VoteDecision `json:"decision"`
	Confidence float64      `json:"confidence"` // [0, 1]
	Reasoning  string       `json:"reasoning"`
}

// CouncilDecision is the majority reduction of a vote set. It is derived
// from its votes and never stored without them.
type CouncilDecision struct {
	FinalDecision    VoteDecision `json:"final_decision"`
	AgreeCount       int          `json:"agree_count"`
	TotalVotes       int          `json:"total_votes"`
	Votes            []AgentVote  `json:"votes"`
	OrchestratorNote string       `json:"orchestrator_note,omitempty"`
}

// DecisionLogEntry is a persisted audit-trail row, ordered by Seq per job.
type DecisionLogEntry struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Agent     string    `json:"agent"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey grants read access to the status surface. Only the bcrypt hash of
// the secret is stored.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
