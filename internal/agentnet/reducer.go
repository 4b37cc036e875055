// Package agentnet implements the phase-routed agent network: a pure
// transition function over the shared task state, and a router loop that
// hands control between the specialized agents operating on one sandbox.
package agentnet

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// Event is one phase agent's output, applied to the network state by Next.
// Exactly one concrete event type exists per phase.
type Event interface {
	agent() string
	reasoning() string
}

// PlanProduced carries the planner's output.
type PlanProduced struct {
	Agent     string
	Plan      string
	Reasoning string
}

// CodeProduced carries the coder's output. Files merge into the state's
// file map; the summary marks the coding phase as finished.
type CodeProduced struct {
	Agent     string
	Files     map[string]string
	Summary   string
	Reasoning string
}

// TestsRan carries the tester's results.
type TestsRan struct {
	Agent     string
	Results   models.TestResults
	Reasoning string
}

// ReviewDone carries the reviewer's judgment.
type ReviewDone struct {
	Agent     string
	Review    models.CodeReview
	Reasoning string
}

func (e PlanProduced) agent() string { return e.Agent }
func (e CodeProduced) agent() string { return e.Agent }
func (e TestsRan) agent() string     { return e.Agent }
func (e ReviewDone) agent() string   { return e.Agent }

func (e PlanProduced) reasoning() string { return e.Reasoning }
func (e CodeProduced) reasoning() string { return e.Reasoning }
func (e TestsRan) reasoning() string     { return e.Reasoning }
func (e ReviewDone) reasoning() string   { return e.Reasoning }

// NewState creates the initial network state for one task.
func NewState(instruction string, maxIterations int) models.NetworkState {
	if maxIterations <= 0 {
		maxIterations = models.DefaultMaxIterations
	}
	return models.NetworkState{
		Instruction:   instruction,
		Phase:         models.PhasePlanning,
		MaxIterations: maxIterations,
		Files:         make(map[string]string),
	}
}

// Next applies one agent event to the state and returns the successor
// state. It is the only place phase transitions happen. The iteration
// counter increments once per call; reaching the cap forces the phase to
// complete regardless of the event. Every call appends one audit entry.
func Next(state models.NetworkState, event Event, now time.Time) models.NetworkState {
	next := state
	next.Iterations++

	// Copy-on-write for the shared maps and slices so callers holding the
	// previous state never observe mutation.
	next.Files = make(map[string]string, len(state.Files))
	for k, v := range state.Files {
		next.Files[k] = v
	}
	next.Decisions = append([]models.AgentDecision(nil), state.Decisions...)

	var to models.Phase
	var decision string
	switch ev := event.(type) {
	case PlanProduced:
		next.Plan = ev.Plan
		to = models.PhaseCoding
		decision = "plan_ready"
	case CodeProduced:
		for path, content := range ev.Files {
			next.Files[path] = content
		}
		next.Summary = ev.Summary
		to = models.PhaseTesting
		decision = "code_ready"
	case TestsRan:
		results := ev.Results
		next.TestResults = &results
		if results.Passed {
			to = models.PhaseReviewing
			decision = "tests_passed"
		} else {
			to = models.PhaseCoding
			decision = "tests_failed"
		}
	case ReviewDone:
		review := ev.Review
		next.CodeReview = &review
		if len(review.CriticalIssues) > 0 {
			to = models.PhaseCoding
			decision = "critical_issues"
		} else {
			to = models.PhaseComplete
			decision = "approved"
		}
	default:
		to = state.Phase
		decision = "unknown_event"
	}

	if next.Iterations >= next.MaxIterations {
		to = models.PhaseComplete
		decision = fmt.Sprintf("%s; iteration cap reached", decision)
	}
	next.Phase = to

	next.Decisions = append(next.Decisions, models.AgentDecision{
		Agent:     event.agent(),
		Decision:  decision,
		Reasoning: event.reasoning(),
		Timestamp: now,
	})
	return next
}
