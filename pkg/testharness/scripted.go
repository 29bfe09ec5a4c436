// Package testharness provides deterministic runner doubles for loop tests.
package testharness

import (
	"context"
	"fmt"
	"sync"

	"github.com/iambrandonn/cadence/internal/runner"
)

// Step is one scripted invocation result.
type Step struct {
	Output string
	Err    error
}

// ScriptedRunner replays a fixed sequence of outputs, one per invocation.
// It records every invocation it receives so tests can assert on prompts.
type ScriptedRunner struct {
	mu    sync.Mutex
	steps []Step
	next  int

	Invocations []runner.Invocation
}

// NewScriptedRunner builds a runner that replays steps in order.
func NewScriptedRunner(steps ...Step) *ScriptedRunner {
	return &ScriptedRunner{steps: steps}
}

// Invoke returns the next scripted step. Running past the script is a test
// bug and fails loudly.
func (s *ScriptedRunner) Invoke(ctx context.Context, inv runner.Invocation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Invocations = append(s.Invocations, inv)
	if s.next >= len(s.steps) {
		return "", fmt.Errorf("scripted runner exhausted after %d invocations", len(s.steps))
	}
	step := s.steps[s.next]
	s.next++
	return step.Output, step.Err
}

// Calls reports how many invocations have been made.
func (s *ScriptedRunner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Invocations)
}

// DirectiveOutput renders a transcript ending in a well-formed directive
// block, the shape review and retrospective turns are expected to emit.
func DirectiveOutput(prose, status, nextTask, journalFile string) string {
	return fmt.Sprintf("%s\n\n```json\n{\"status\": %q, \"next_task\": %q, \"journal_file\": %q}\n```\n",
		prose, status, nextTask, journalFile)
}
