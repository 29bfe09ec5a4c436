// Package runner executes a single agent turn and returns its transcript.
package runner

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyOutput is returned when an invocation produced no transcript.
// Empty output is always treated as a failed turn.
var ErrEmptyOutput = errors.New("agent produced no output")

// Invocation is one turn's worth of work handed to a runner.
type Invocation struct {
	System  string
	User    string
	Engine  string // optional engine or model override
	Timeout time.Duration
}

// Runner executes one agent turn. Implementations return the full
// transcript text, which the caller parses for a directive block.
type Runner interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
}
