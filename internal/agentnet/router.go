package agentnet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/internal/sandbox"
	"github.com/jordanhubbard/foundry/internal/telemetry"
	"github.com/jordanhubbard/foundry/pkg/models"
)

// Sandbox is the slice of the sandbox handle the agents act on.
type Sandbox interface {
	RunCommand(ctx context.Context, command string) (*sandbox.ExecResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
}

// PhaseAgent produces one event per turn for its phase.
type PhaseAgent interface {
	Name() string
	Execute(ctx context.Context, sb Sandbox, state models.NetworkState) (Event, error)
}

// Agents binds one agent per routable phase.
type Agents struct {
	Planner  PhaseAgent
	Coder    PhaseAgent
	Tester   PhaseAgent
	Reviewer PhaseAgent
}

func (a Agents) forPhase(phase models.Phase) (PhaseAgent, error) {
	var agent PhaseAgent
	switch phase {
	case models.PhasePlanning:
		agent = a.Planner
	case models.PhaseCoding:
		agent = a.Coder
	case models.PhaseTesting:
		agent = a.Tester
	case models.PhaseReviewing:
		agent = a.Reviewer
	default:
		return nil, fmt.Errorf("no agent routes phase %s", phase)
	}
	if agent == nil {
		return nil, fmt.Errorf("no agent bound for phase %s", phase)
	}
	return agent, nil
}

// Router drives the phase machine: each turn it routes the current phase to
// its agent, applies the agent's event through the reducer, and materializes
// produced files into the sandbox.
type Router struct {
	agents     Agents
	metrics    *metrics.Metrics
	now        func() time.Time
	onDecision func(models.AgentDecision)

	mu            sync.Mutex
	maxIterations int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxIterations overrides the routing-decision cap.
func WithMaxIterations(n int) RouterOption {
	return func(r *Router) { r.maxIterations = n }
}

// WithDecisionSink receives every audit-trail entry as it is appended.
func WithDecisionSink(fn func(models.AgentDecision)) RouterOption {
	return func(r *Router) { r.onDecision = fn }
}

// WithRouterClock overrides the time source for tests.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a phase router over the given agents.
func NewRouter(agents Agents, opts ...RouterOption) *Router {
	r := &Router{
		agents:        agents,
		metrics:       metrics.NewMetrics(),
		now:           time.Now,
		maxIterations: models.DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMaxIterations adjusts the cap for subsequently started runs. Runs
// already in flight keep the cap they started with.
func (r *Router) SetMaxIterations(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.maxIterations = n
	r.mu.Unlock()
}

// Run executes the pipeline for one instruction until the phase reaches
// complete. The returned state is valid even on error: it reflects every
// decision made before the failure.
func (r *Router) Run(ctx context.Context, sb Sandbox, instruction string) (models.NetworkState, error) {
	r.mu.Lock()
	limit := r.maxIterations
	r.mu.Unlock()
	return r.Resume(ctx, sb, NewState(instruction, limit))
}

// Resume continues a pipeline from a prior state. A state that already has
// a plan skips the planning phase.
func (r *Router) Resume(ctx context.Context, sb Sandbox, state models.NetworkState) (models.NetworkState, error) {
	if state.Phase == models.PhasePlanning && state.Plan != "" {
		state.Phase = models.PhaseCoding
	}

	for state.Phase != models.PhaseComplete {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		agent, err := r.agents.forPhase(state.Phase)
		if err != nil {
			return state, err
		}
		turnStart := r.now()
		event, err := agent.Execute(ctx, sb, state)
		telemetry.PhaseLatency.Record(ctx, float64(r.now().Sub(turnStart).Milliseconds()))
		if err != nil {
			return state, fmt.Errorf("agent %s failed in phase %s: %w", agent.Name(), state.Phase, err)
		}

		if code, ok := event.(CodeProduced); ok {
			if err := r.applyFiles(ctx, sb, code.Files); err != nil {
				return state, err
			}
		}

		from := state.Phase
		state = Next(state, event, r.now())
		r.metrics.AgentIterations.Inc()
		r.metrics.PhaseTransitions.WithLabelValues(string(from), string(state.Phase)).Inc()
		if r.onDecision != nil && len(state.Decisions) > 0 {
			r.onDecision(state.Decisions[len(state.Decisions)-1])
		}
		log.Printf("[AgentNet] %s: %s -> %s (iteration %d/%d)",
			agent.Name(), from, state.Phase, state.Iterations, state.MaxIterations)
	}
	return state, nil
}

// applyFiles writes the coder's output into the sandbox. Path validation
// happens inside the handle; a rejected path fails the run rather than
// silently dropping the file.
func (r *Router) applyFiles(ctx context.Context, sb Sandbox, files map[string]string) error {
	for path, content := range files {
		if err := sb.WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
