package agentnet

import (
	"context"
	"fmt"
	"strings"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// CommandTester is the built-in testing-phase agent: it runs the project's
// build/lint/test commands in the sandbox and reduces their exit codes to a
// TestResults. A non-zero exit from any command fails the phase.
type CommandTester struct {
	Commands []string
}

// NewCommandTester creates a tester for the given shell commands. With no
// commands the phase passes vacuously.
func NewCommandTester(commands ...string) *CommandTester {
	return &CommandTester{Commands: commands}
}

// Name identifies the agent in the audit trail.
func (t *CommandTester) Name() string { return "tester" }

// Execute runs each command in order, collecting stderr of failures as
// errors and stderr of successes as warnings. It stops at the first
// command whose execution (not the command itself) fails.
func (t *CommandTester) Execute(ctx context.Context, sb Sandbox, state models.NetworkState) (Event, error) {
	results := models.TestResults{Passed: true}
	for _, command := range t.Commands {
		res, err := sb.RunCommand(ctx, command)
		if err != nil {
			return nil, fmt.Errorf("command %q did not run: %w", command, err)
		}
		stderr := strings.TrimSpace(res.Stderr)
		if res.ExitCode != 0 {
			results.Passed = false
			msg := fmt.Sprintf("%q exited %d", command, res.ExitCode)
			if stderr != "" {
				msg += ": " + stderr
			}
			results.Errors = append(results.Errors, msg)
			continue
		}
		if stderr != "" {
			results.Warnings = append(results.Warnings, fmt.Sprintf("%q: %s", command, stderr))
		}
	}

	reasoning := fmt.Sprintf("%d commands run, %d failures", len(t.Commands), len(results.Errors))
	return TestsRan{Agent: t.Name(), Results: results, Reasoning: reasoning}, nil
}
