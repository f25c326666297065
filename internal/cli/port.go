package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/port"
)

// portFlags holds the flag values for the port command.
type portFlags struct {
	start int
	end   int
}

// NewPortCommand creates the "port" subcommand, which prints the port the
// next new worker would be given.
func NewPortCommand() *cobra.Command {
	flags := &portFlags{}

	cmd := &cobra.Command{
		Use:   "port",
		Short: "Allocate and print a free port",
		Long: `Print the lowest port in the range that is not listening on the host
and not assigned to any registered worker. Nothing is reserved: the port is
only a suggestion until something binds it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPort(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.start, "start", 0, "Range start (default ports.range_start)")
	cmd.Flags().IntVar(&flags.end, "end", 0, "Range end (default ports.range_end)")

	return cmd
}

func runPort(ctx context.Context, flags *portFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	start, end := a.cfg.Ports.RangeStart, a.cfg.Ports.RangeEnd
	if flags.start != 0 {
		start = flags.start
	}
	if flags.end != 0 {
		end = flags.end
	}

	alloc := a.allocator(ctx)
	alloc.SetReserved(a.store().Load().Ports())

	p, err := alloc.Allocate(ctx, start, end)
	if err != nil {
		if errors.Is(err, port.ErrPortsExhausted) {
			return model.WrapCLIError(model.ExitPortAllocationFailed, "port allocation failed", err)
		}
		return model.WrapCLIError(model.ExitGeneralError, "port allocation failed", err)
	}

	if IsJSONOutput() {
		printJSON(map[string]interface{}{"port": p, "range_start": start, "range_end": end})
		return nil
	}
	fmt.Println(p)
	return nil
}
