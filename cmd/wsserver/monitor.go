package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/server"
	"github.com/muurk/wsserver/internal/ui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the server with a live connection monitor",
	Long: `Run the server in a full-screen terminal monitor.

The monitor lists open connections and scrolls the event log. Select a
connection with the arrow keys, press c to close it with 1000, p to send it
a text ping, and q to stop the server and quit.

Console logging is disabled while the monitor runs; use --log-file to keep
logs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal() {
			return errors.New("monitor needs a terminal; use serve or bridge instead")
		}
		if settings.Logging.File == "" {
			logging.SetLogger(zap.NewNop())
		} else if err := initLogging(func(o *logging.Options) { o.Quiet = true }); err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		srv := newServer()
		ch, err := srv.Start(settings.StartOptions())
		if err != nil {
			return err
		}

		m := ui.NewMonitor(srv, ch, "wsserver monitor")
		runErr := ui.RunMonitor(ctx, m)

		// Interrupted or killed: finish the run ourselves.
		if srv.State() != server.Stopped {
			sctx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout.Std()*2)
			defer cancel()
			go func() {
				for range ch {
				}
			}()
			if err := srv.Shutdown(sctx); err != nil && runErr == nil {
				runErr = err
			}
		}
		return runErr
	},
}

func init() {
	addServerFlags(monitorCmd.Flags())
}
