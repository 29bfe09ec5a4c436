package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/cadence/internal/config"
	"github.com/iambrandonn/cadence/internal/eventlog"
	"github.com/iambrandonn/cadence/internal/runner"
	"github.com/iambrandonn/cadence/internal/store"
	"github.com/iambrandonn/cadence/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start <goal>",
	Short: "Start a new session toward a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the persisted session from its saved turn",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

func init() {
	startCmd.Flags().Bool("plan", false, "begin with a planning turn before executing")
	startCmd.Flags().Bool("infinite", false, "never terminate; re-seed a new goal when this one completes")
	startCmd.Flags().Bool("step", false, "pause after every execute turn")
	startCmd.Flags().String("retro-every", "", "retrospective schedule: auto, off, or every N turns")
	startCmd.Flags().String("engine", "", "engine/model selector passed to the runner")

	resumeCmd.Flags().Bool("retro", false, "run a retrospective turn first")
	resumeCmd.Flags().String("retro-every", "", "override the retrospective schedule")
	resumeCmd.Flags().String("engine", "", "override the engine/model selector")
}

func runStart(cmd *cobra.Command, args []string) error {
	goal := args[0]
	logger := newLogger()

	root, err := initWorkspace()
	if err != nil {
		return err
	}

	opts := supervisor.Options{}
	opts.PlanFirst, _ = cmd.Flags().GetBool("plan")
	opts.Infinite, _ = cmd.Flags().GetBool("infinite")
	opts.StepMode, _ = cmd.Flags().GetBool("step")
	opts.RetroEvery, _ = cmd.Flags().GetString("retro-every")
	opts.Engine, _ = cmd.Flags().GetString("engine")

	return runForeground(cmd, root, logger, func(sup *supervisor.Supervisor) error {
		return sup.Start(goal, opts)
	})
}

func runResume(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	root, err := findWorkspace()
	if err != nil {
		return err
	}

	opts := supervisor.Options{}
	opts.ForceRetro, _ = cmd.Flags().GetBool("retro")
	opts.RetroEvery, _ = cmd.Flags().GetString("retro-every")
	opts.Engine, _ = cmd.Flags().GetString("engine")

	return runForeground(cmd, root, logger, func(sup *supervisor.Supervisor) error {
		return sup.Resume(opts)
	})
}

// runForeground runs the session loop in this process until it finishes,
// pauses, or a signal stops it. SIGUSR1 pauses at the next turn boundary.
func runForeground(cmd *cobra.Command, root string, logger *slog.Logger, launch func(*supervisor.Supervisor) error) error {
	if pid, alive := readPID(root); alive {
		return fmt.Errorf("a session loop is already running (pid %d)", pid)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	st, err := store.Open(root)
	if err != nil {
		return err
	}

	events, err := eventlog.Open(eventLogPath(root), logger)
	if err != nil {
		return err
	}
	defer events.Close()

	run, err := buildRunner(cfg, root, logger)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(cfg, st, run, events, logger)
	if err != nil {
		return err
	}
	defer sup.Close()

	if err := writePID(root); err != nil {
		return err
	}
	defer removePID(root)

	if err := launch(sup); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sig)

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGUSR1 {
				logger.Info("pause requested, stopping at the next turn boundary")
				if err := sup.Pause(); err != nil {
					logger.Warn("pause request failed", "error", err)
				}
				continue
			}
			logger.Info("stopping session")
			return sup.Stop()
		case <-waited:
			return reportExit(cmd, sup)
		}
	}
}

func reportExit(cmd *cobra.Command, sup *supervisor.Supervisor) error {
	state, err := sup.Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case state.FatalReason != "":
		return fmt.Errorf("session stopped after turn %d: %s", state.LastCompletedTurn, state.FatalReason)
	case state.Paused:
		fmt.Fprintf(out, "Session paused after turn %d. Run 'cadence resume' to continue.\n", state.LastCompletedTurn)
	default:
		fmt.Fprintf(out, "Session complete after %d turns.\n", state.LastCompletedTurn)
	}
	return nil
}

// buildRunner constructs the configured agent runner.
func buildRunner(cfg *config.Config, root string, logger *slog.Logger) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case config.RunnerAnthropic:
		return runner.NewAnthropicRunner(cfg.Runner.Model, logger), nil
	default:
		// Agent subprocesses run in the project root, one level above the
		// state directory.
		return runner.NewCLIRunner(cfg.Runner.Cmd, cfg.Runner.Env, projectRoot(root), logger)
	}
}
