// Package cli implements the cobra-based CLI commands for portkeeper.
//
// Each subcommand (run, tick, list, port, history, config) is defined in its
// own file within this package. This file defines the root command that
// serves as the parent for all subcommands and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portkeeper/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command.
var (
	// jsonOutput switches command output (and error output) to JSON.
	jsonOutput bool

	// verbose lowers the log level to debug and enables VerboseLog.
	verbose bool

	// configPath is the --config flag. Empty means the default location.
	configPath string

	// registryPath and discoveryDir override the config file when set.
	registryPath string
	discoveryDir string
)

// Version, Commit and Date are injected from the main package at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does nothing; it carries help text and the
// global flags inherited by every subcommand.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portkeeper",
		Short: "Port-allocating process supervisor for worker scripts",
		Long: `portkeeper discovers worker scripts, gives each an exclusive TCP port,
launches them with --port <N>, and keeps them alive.

The worker→port assignment is persisted in a registry file. Long-term
restarts are delegated to supervisord (or systemd); portkeeper writes
their configuration and reconciles anything they miss on a jittered
30-90 second loop.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml or .toml)")
	pf.StringVar(&registryPath, "registry", "", "Registry file, overrides registry.path")
	pf.StringVar(&discoveryDir, "dir", "", "Discovery directory, overrides discovery.dir")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewTickCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewPortCommand())
	rootCmd.AddCommand(NewHistoryCommand())
	rootCmd.AddCommand(NewConfigCommand())

	return rootCmd
}

// Execute runs the root command and translates errors into exit codes.
// CLIError carries its own code; any other error exits with 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}

		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError writes an error to stderr, as JSON when --json is set.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
