package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/reconcile"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	noLock bool
}

// NewRunCommand creates the "run" subcommand, the long-running
// reconciliation loop.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop until SIGINT or SIGTERM",
		Long: `Run the reconciliation loop.

Every 30-90 seconds (jittered), portkeeper restarts registered workers that
are not running, registers and launches new worker files, and rewrites the
registry. A signal stops the loop at the next sleep; a tick in progress
always completes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.noLock, "no-lock", false, "Do not take the single-instance lock")

	return cmd
}

// runRun executes the run command.
//
// Steps:
//  1. Load configuration and build the logger
//  2. Take the instance lock
//  3. Wire the reconciler
//  4. Loop until a signal arrives
func runRun(ctx context.Context, flags *runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Step 1: Configuration.
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// Step 2: A second supervisor on the same registry would race on
	// port allocation.
	lock, err := a.lock(flags.noLock)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 3: Wiring.
	rec, err := a.reconciler(ctx, true)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to start", err)
	}

	// Step 4: Loop.
	a.logger.Info("portkeeper started",
		"version", Version,
		"registry", a.cfg.Registry.Path,
		"dir", a.cfg.Discovery.Dir,
		"supervision", a.cfg.Supervision.Backend)

	if err := rec.Run(ctx); err != nil {
		if errors.Is(err, reconcile.ErrLoopPanic) {
			return model.WrapCLIError(model.ExitLoopFailure, "reconciliation loop failed", err)
		}
		return model.WrapCLIError(model.ExitGeneralError, "reconciliation loop stopped", err)
	}

	a.logger.Info("portkeeper stopped")
	return nil
}
