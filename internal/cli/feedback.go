package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/cadence/internal/feedback"
	"github.com/iambrandonn/cadence/internal/store"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <message>",
	Short: "Submit feedback for the agent's next turn",
	Long: `Submit a feedback note. The orchestrator claims pending notes at the
start of each turn and surfaces them to the agent. With --now, the note
also requests an out-of-band review at the next turn boundary.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().StringP("priority", "p", "medium", "priority: high, medium, or low")
	feedbackCmd.Flags().Bool("now", false, "interrupt: request a review at the next turn boundary")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	root, err := findWorkspace()
	if err != nil {
		return err
	}

	priority, _ := cmd.Flags().GetString("priority")
	interrupt, _ := cmd.Flags().GetBool("now")
	message := strings.Join(args, " ")

	st, err := store.Open(root)
	if err != nil {
		return err
	}
	queue := feedback.NewQueue(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	item, err := queue.Submit(message, feedback.Priority(priority), interrupt)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Feedback recorded: %s\n", item.Key)
	if interrupt {
		fmt.Fprintln(cmd.OutOrStdout(), "A review is scheduled for the next turn boundary.")
	}
	return nil
}
