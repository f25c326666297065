package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/reconcile"
)

// tickFlags holds the flag values for the tick command.
type tickFlags struct {
	noLock bool
}

// NewTickCommand creates the "tick" subcommand, which runs exactly one
// reconciliation pass and prints what it did.
func NewTickCommand() *cobra.Command {
	flags := &tickFlags{}

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single reconciliation pass",
		Long: `Run one reconciliation pass: restart dead workers, register new ones,
save the registry, and print a report. Useful from cron or for debugging.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.noLock, "no-lock", false, "Do not take the single-instance lock")

	return cmd
}

func runTick(ctx context.Context, flags *tickFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	lock, err := a.lock(flags.noLock)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	rec, err := a.reconciler(ctx, false)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to start", err)
	}

	report, err := rec.Tick(ctx)
	printTickResult(os.Stdout, report)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to save registry", err)
	}
	return nil
}

// printTickResult outputs the tick report in the selected format.
func printTickResult(w io.Writer, report reconcile.Report) {
	if IsJSONOutput() {
		if report.Outcomes == nil {
			report.Outcomes = []reconcile.Outcome{}
		}
		printJSON(report)
		return
	}
	printTickResultText(w, report)
}

// printTickResultText renders one line per non-trivial outcome followed by
// a summary line.
func printTickResultText(w io.Writer, report reconcile.Report) {
	for _, o := range report.Outcomes {
		if o.Action == reconcile.ActionAlive && o.Error == "" {
			continue
		}
		switch {
		case o.Error != "":
			fmt.Fprintf(w, "%-12s %-20s %-6d error: %s\n", o.Action, o.Program, o.Port, o.Error)
		case o.OldPort != 0:
			fmt.Fprintf(w, "%-12s %-20s %d → %d\n", o.Action, o.Program, o.OldPort, o.Port)
		case o.PID != 0:
			fmt.Fprintf(w, "%-12s %-20s %-6d pid %d\n", o.Action, o.Program, o.Port, o.PID)
		default:
			fmt.Fprintf(w, "%-12s %-20s %d\n", o.Action, o.Program, o.Port)
		}
	}

	fmt.Fprintf(w, "Tick %s: %d workers, %d alive, %d restarted, %d registered, %d evicted, %d reallocated, %d failed (%s)\n",
		report.TickID, report.Workers, report.Alive, report.Restarted, report.Registered,
		report.Evicted, report.Reallocated, report.Failed, report.Duration.Round(time.Millisecond))
}
