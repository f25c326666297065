package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	limit int
}

// NewHistoryCommand creates the "history" subcommand, which prints recent
// loop actions from the history database.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history [worker]",
		Short: "Show recent restarts, registrations and evictions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var worker string
			if len(args) == 1 {
				worker = args[0]
			}
			return runHistory(cmd.Context(), worker, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 20, "Maximum number of events (0 for all)")

	return cmd
}

func runHistory(ctx context.Context, worker string, flags *historyFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	hist, err := a.history()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open history", err)
	}
	if hist == nil {
		return model.NewCLIError(model.ExitGeneralError, "history is disabled (history.path is empty)")
	}

	// Registry keys are absolute paths; accept a relative path too.
	if worker != "" {
		if abs, err := filepath.Abs(worker); err == nil {
			worker = abs
		}
	}

	events, err := hist.Recent(ctx, worker, flags.limit)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read history", err)
	}

	printHistoryResult(os.Stdout, events)
	return nil
}

// printHistoryResult outputs events in the selected format.
func printHistoryResult(w io.Writer, events []history.Event) {
	if IsJSONOutput() {
		if events == nil {
			events = []history.Event{}
		}
		printJSON(map[string]interface{}{"events": events})
		return
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	fmt.Fprintf(w, "%-25s %-11s %-20s %-7s %-8s %s\n", "TIME", "ACTION", "PROGRAM", "PORT", "PID", "TICK")
	for _, ev := range events {
		pid := "-"
		if ev.PID > 0 {
			pid = fmt.Sprint(ev.PID)
		}
		fmt.Fprintf(w, "%-25s %-11s %-20s %-7d %-8s %s\n",
			ev.At.Local().Format(time.RFC3339), ev.Action,
			model.ProgramName(ev.Worker), ev.Port, pid, ev.TickID)
	}
}
