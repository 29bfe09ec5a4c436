// Package cli wires the cadence commands: session lifecycle, feedback
// submission, and log inspection.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Long-lived coding agent loop",
	Long: `cadence runs a coding agent in a turn loop: execute a task, review the
result, pick the next task, occasionally step back for a retrospective.
All state lives under .cadence/ in your project, so a stopped or crashed
session resumes where it left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(logCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
