package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/cadence/internal/eventlog"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print recent loop events",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func init() {
	logCmd.Flags().IntP("lines", "n", 20, "number of events to show (0 for all)")
}

func runLog(cmd *cobra.Command, _ []string) error {
	root, err := findWorkspace()
	if err != nil {
		return err
	}

	n, _ := cmd.Flags().GetInt("lines")
	events, err := eventlog.Tail(eventLogPath(root), n, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded yet.")
		return nil
	}

	for _, evt := range events {
		line := fmt.Sprintf("%s  %-20s", evt.Timestamp.Format("2006-01-02 15:04:05"), evt.Kind)
		if evt.Turn > 0 {
			line += fmt.Sprintf("  turn=%d", evt.Turn)
		}
		if evt.Mode != "" {
			line += fmt.Sprintf("  mode=%s", evt.Mode)
		}
		if reason, ok := evt.Detail["reason"]; ok {
			line += fmt.Sprintf("  reason=%v", reason)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
