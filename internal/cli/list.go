package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
)

// statusAll disables the --status filter.
const statusAll = "all"

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters by worker status ("running", "dead", "missing" or "all").
	status string
}

// workerRow is one line of list output.
type workerRow struct {
	Program string             `json:"program"`
	Path    string             `json:"path"`
	Port    int                `json:"port"`
	Status  model.WorkerStatus `json:"status"`
}

// NewListCommand creates the "list" subcommand, which shows every
// registered worker together with its live status.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers and their status",
		Long: `List every worker in the registry with its port and live status.

Status is computed now, from the process table and the filesystem:
  running  a process with the worker's "<path> --port <N>" signature exists
  dead     no such process; the next tick relaunches it
  missing  the worker file no longer exists`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", statusAll, "Filter by status (running, dead, missing, all)")

	return cmd
}

// runList executes the list command.
//
// Steps:
//  1. Validate the --status filter
//  2. Load configuration and the registry
//  3. Probe each worker
//  4. Filter and print
func runList(ctx context.Context, flags *listFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Step 1: Validate the filter before touching the host.
	var filter model.WorkerStatus
	if flags.status != "" && flags.status != statusAll {
		status, err := model.ParseWorkerStatus(flags.status)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "invalid --status value", err)
		}
		filter = status
	}

	// Step 2: Configuration and registry.
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	reg := a.store().Load()
	VerboseLog("Loaded %d workers from %s", len(reg), a.cfg.Registry.Path)

	// Step 3: Probe.
	hist, err := a.history()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open history", err)
	}
	oracle, err := a.oracle(hist)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to set up liveness check", err)
	}

	rows := make([]workerRow, 0, len(reg))
	for _, entry := range reg.Entries() {
		rows = append(rows, workerRow{
			Program: entry.Program(),
			Path:    entry.Path,
			Port:    entry.Port,
			Status:  statusOf(ctx, oracle, entry),
		})
	}

	// Step 4: Output.
	printListResult(os.Stdout, filterRows(rows, filter))
	return nil
}

// filterRows keeps rows with the given status. An empty status keeps all.
func filterRows(rows []workerRow, status model.WorkerStatus) []workerRow {
	if status == "" {
		return rows
	}
	filtered := make([]workerRow, 0, len(rows))
	for _, r := range rows {
		if r.Status == status {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// printListResult outputs the list in the selected format.
func printListResult(w io.Writer, rows []workerRow) {
	if IsJSONOutput() {
		printListResultJSON(rows)
		return
	}
	printListResultText(w, rows)
}

func printListResultJSON(rows []workerRow) {
	// An empty list is [] rather than null.
	if rows == nil {
		rows = []workerRow{}
	}
	printJSON(map[string]interface{}{"workers": rows})
}

func printListResultText(w io.Writer, rows []workerRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No workers found.")
		return
	}

	fmt.Fprintf(w, "%-20s %-7s %-8s %s\n", "PROGRAM", "PORT", "STATUS", "PATH")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20s %-7d %-8s %s\n", r.Program, r.Port, r.Status, r.Path)
	}
	fmt.Fprintf(w, "\n%d workers, ports %s\n", len(rows), FormatPortsList(rows))
}

// FormatPortsList formats the rows' ports as a compact comma-separated
// string, e.g. "5000,5001,8081".
func FormatPortsList(rows []workerRow) string {
	if len(rows) == 0 {
		return "-"
	}
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = strconv.Itoa(r.Port)
	}
	return strings.Join(parts, ",")
}
