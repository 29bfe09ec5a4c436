package cli

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/cadence/internal/session"
	"github.com/iambrandonn/cadence/internal/store"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running session loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		root, err := findWorkspace()
		if err != nil {
			return err
		}
		pid, alive := readPID(root)
		if !alive {
			return errors.New("no session loop is running")
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stop requested (pid %d).\n", pid)
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running session at the next turn boundary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		root, err := findWorkspace()
		if err != nil {
			return err
		}
		pid, alive := readPID(root)
		if !alive {
			return errors.New("no session loop is running")
		}
		if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pause requested; the loop stops after the turn in flight.\n")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted session state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	root, err := findWorkspace()
	if err != nil {
		return err
	}

	st, err := store.Open(root)
	if err != nil {
		return err
	}
	state, err := session.NewManager(st).Load()
	if err != nil {
		return err
	}
	if state == nil {
		return errors.New("no session found")
	}

	_, alive := readPID(root)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:  %s\n", state.ID)
	fmt.Fprintf(out, "Goal:     %s\n", state.Goal)
	fmt.Fprintf(out, "Mode:     %s\n", modeLine(state, alive))
	fmt.Fprintf(out, "Turn:     %d (last completed %d)\n", state.Turn, state.LastCompletedTurn)
	if state.NextTask != "" {
		fmt.Fprintf(out, "Next:     %s\n", state.NextTask)
	}
	if state.FatalReason != "" {
		fmt.Fprintf(out, "Stopped:  %s\n", state.FatalReason)
	}
	return nil
}

// modeLine composes the human status string: mode plus the session flags.
func modeLine(state *session.State, loopAlive bool) string {
	parts := []string{string(state.Mode)}
	if state.Infinite {
		parts = append(parts, "infinite")
	}
	if state.StepMode {
		parts = append(parts, "step")
	}
	switch {
	case state.Paused:
		parts = append(parts, "(paused)")
	case loopAlive && state.Running:
		parts = append(parts, "(running)")
	default:
		parts = append(parts, "(not running)")
	}
	return strings.Join(parts, " ")
}
