package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/wsserver/internal/bridge"
	"github.com/muurk/wsserver/internal/logging"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Drive the server with JSON-lines commands on stdin",
	Long: `Read JSON-lines commands from stdin and write events to stdout.

Commands: getInterfaces, start [port, origins, protocols, tcpNoDelay], stop,
send [uuid, msg, isBinary], close [uuid, code, reason]. Binary messages are
base64 in both directions. Logs go to stderr so stdout carries only protocol
lines. The server is stopped when stdin closes.

Settings other than the start arguments (read limit, heartbeats, capture
directory) come from the config file, environment and flags.`,
	Example: `  printf '%s\n' '{"action":"start","args":[8080]}' | wsserver bridge`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogging(func(o *logging.Options) { o.Stderr = true }); err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		b := bridge.New(newServer(), os.Stdin, cmd.OutOrStdout())
		b.ShutdownTimeout = settings.Server.ShutdownTimeout.Std() * 2
		return b.Run(ctx)
	},
}

func init() {
	addServerFlags(bridgeCmd.Flags())
}
