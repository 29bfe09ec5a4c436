package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// CLIRunner shells out to a coding-agent CLI. The user prompt is passed as
// the final argument and the system prompt via --system-prompt, matching the
// claude CLI's non-interactive mode.
type CLIRunner struct {
	cmd     []string
	env     map[string]string
	workdir string
	logger  *slog.Logger
}

// NewCLIRunner builds a runner around the given command line.
func NewCLIRunner(cmd []string, env map[string]string, workdir string, logger *slog.Logger) (*CLIRunner, error) {
	if len(cmd) == 0 {
		return nil, errors.New("runner command is empty")
	}
	return &CLIRunner{cmd: cmd, env: env, workdir: workdir, logger: logger}, nil
}

// Invoke runs the subprocess and returns its combined output. The context
// kills the process on cancellation or timeout.
func (r *CLIRunner) Invoke(ctx context.Context, inv Invocation) (string, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	args := append([]string{}, r.cmd[1:]...)
	if inv.System != "" {
		args = append(args, "--system-prompt", inv.System)
	}
	if inv.Engine != "" {
		args = append(args, "--model", inv.Engine)
	}
	args = append(args, inv.User)

	cmd := exec.CommandContext(ctx, r.cmd[0], args...)
	cmd.Dir = r.workdir

	// Agent CLIs fork freely. A plain kill reaps only the direct child and
	// leaves grandchildren holding the output pipe, so Run would block past
	// the timeout. Kill the whole process group instead, with WaitDelay as
	// the backstop for anything that survives the signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	cmd.Env = os.Environ()
	for k, v := range r.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	r.logger.Info("invoking agent CLI", "binary", r.cmd[0])

	err := cmd.Run()
	output := buf.String()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return output, fmt.Errorf("agent invocation timed out after %s: %w", elapsed.Round(time.Second), ctx.Err())
	}
	if err != nil {
		r.logger.Error("agent CLI failed",
			"error", err,
			"elapsed", elapsed,
			"output_bytes", len(output))
		return output, fmt.Errorf("agent invocation failed: %w", err)
	}

	if strings.TrimSpace(output) == "" {
		return "", ErrEmptyOutput
	}

	r.logger.Info("agent CLI completed", "elapsed", elapsed, "output_bytes", len(output))
	return output, nil
}
