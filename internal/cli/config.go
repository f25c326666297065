package cli

import (
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
)

// NewConfigCommand creates the "config" subcommand, which prints the
// effective configuration as YAML: defaults, then the config file, then
// flags. --json is ignored.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			data, err := a.cfg.YAML()
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to render configuration", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
