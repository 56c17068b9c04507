// Wsserver runs an embeddable WebSocket server from the command line.
//
// The server accepts connections, negotiates origins and subprotocols, and
// reports every lifecycle event. It can log events, echo messages back,
// expose a JSON-lines bridge for a host process, or show a live monitor.
//
// Usage:
//
//	wsserver [command] [flags]
//
// See 'wsserver --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/wsserver/internal/config"
	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath string

	// settings is loaded before every command runs.
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "wsserver",
	Short: "Embeddable WebSocket server",
	Long: `A WebSocket server that reports connection lifecycle events.

Settings come from, in increasing priority: built-in defaults, the config
file, WSSERVER_* environment variables, and command-line flags.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: the user config directory)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error; empty = silent)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(interfacesCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// initLogging starts the global logger from the loaded settings. Commands
// that own stdout pass a mutator to move console output elsewhere.
func initLogging(adjust ...func(*logging.Options)) error {
	opts := settings.LoggingOptions()
	for _, fn := range adjust {
		fn(&opts)
	}
	if err := logging.InitializeWithOptions(opts); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}
