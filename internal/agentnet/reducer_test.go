package agentnet

import (
	"testing"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNextPlanningToCoding(t *testing.T) {
	state := NewState("build a todo app", 15)
	next := Next(state, PlanProduced{Agent: "planner", Plan: "1. scaffold 2. implement"}, t0)

	if next.Phase != models.PhaseCoding {
		t.Fatalf("phase = %s, want coding", next.Phase)
	}
	if next.Plan == "" {
		t.Fatal("plan should be recorded")
	}
	if next.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", next.Iterations)
	}
}

func TestNextCodingToTesting(t *testing.T) {
	state := NewState("task", 15)
	state.Phase = models.PhaseCoding
	next := Next(state, CodeProduced{
		Agent:   "coder",
		Files:   map[string]string{"src/app.js": "console.log(1)"},
		Summary: "implemented app entry",
	}, t0)

	if next.Phase != models.PhaseTesting {
		t.Fatalf("phase = %s, want testing", next.Phase)
	}
	if next.Files["src/app.js"] == "" {
		t.Fatal("files should merge into state")
	}
	if next.Summary == "" {
		t.Fatal("summary should be recorded")
	}
}

func TestNextTestingEdges(t *testing.T) {
	base := NewState("task", 15)
	base.Phase = models.PhaseTesting

	failed := Next(base, TestsRan{Agent: "tester", Results: models.TestResults{
		Passed: false, Errors: []string{"assertion failed"},
	}}, t0)
	if failed.Phase != models.PhaseCoding {
		t.Fatalf("failed tests: phase = %s, want coding", failed.Phase)
	}

	passed := Next(base, TestsRan{Agent: "tester", Results: models.TestResults{Passed: true}}, t0)
	if passed.Phase != models.PhaseReviewing {
		t.Fatalf("passed tests: phase = %s, want reviewing", passed.Phase)
	}
}

func TestNextReviewingEdges(t *testing.T) {
	base := NewState("task", 15)
	base.Phase = models.PhaseReviewing

	critical := Next(base, ReviewDone{Agent: "reviewer", Review: models.CodeReview{
		Quality: "needs_work", CriticalIssues: []string{"sql injection in handler"},
	}}, t0)
	if critical.Phase != models.PhaseCoding {
		t.Fatalf("critical issues: phase = %s, want coding", critical.Phase)
	}

	clean := Next(base, ReviewDone{Agent: "reviewer", Review: models.CodeReview{Quality: "good"}}, t0)
	if clean.Phase != models.PhaseComplete {
		t.Fatalf("clean review: phase = %s, want complete", clean.Phase)
	}
}

func TestNextIterationCapForcesComplete(t *testing.T) {
	state := NewState("task", 3)
	state.Phase = models.PhaseTesting
	state.Iterations = 2

	// The event alone would route back to coding, but this is the third
	// routing decision so the cap wins.
	next := Next(state, TestsRan{Agent: "tester", Results: models.TestResults{Passed: false}}, t0)
	if next.Phase != models.PhaseComplete {
		t.Fatalf("phase = %s, want complete at iteration cap", next.Phase)
	}
	if next.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", next.Iterations)
	}
}

func TestNextAppendsAuditEntryPerDecision(t *testing.T) {
	state := NewState("task", 15)
	state = Next(state, PlanProduced{Agent: "planner", Plan: "p", Reasoning: "scoped the work"}, t0)
	state = Next(state, CodeProduced{Agent: "coder", Summary: "done"}, t0.Add(time.Minute))

	if len(state.Decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(state.Decisions))
	}
	first := state.Decisions[0]
	if first.Agent != "planner" || first.Reasoning != "scoped the work" || !first.Timestamp.Equal(t0) {
		t.Fatalf("unexpected first decision: %+v", first)
	}
}

func TestNextDoesNotMutateInput(t *testing.T) {
	state := NewState("task", 15)
	state.Phase = models.PhaseCoding
	state.Files["existing.go"] = "package main"

	next := Next(state, CodeProduced{Agent: "coder", Files: map[string]string{"new.go": "x"}}, t0)

	if _, ok := state.Files["new.go"]; ok {
		t.Fatal("input state files mutated")
	}
	if state.Iterations != 0 || len(state.Decisions) != 0 {
		t.Fatal("input state mutated")
	}
	if next.Files["existing.go"] == "" {
		t.Fatal("existing files should carry over")
	}
}
