package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/wsserver/internal/discovery"
	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/server"
	"github.com/muurk/wsserver/internal/ui"
	"github.com/muurk/wsserver/internal/version"
)

var serveEcho bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket server",
	Long: `Run the WebSocket server until interrupted.

Every lifecycle event is logged. With --echo, each inbound message is sent
back to the connection it arrived on. On SIGINT or SIGTERM the server closes
all connections with 1001 (going away) and exits once onStop is delivered.`,
	Example: `  # Listen on 8080 with info logging
  wsserver serve --log-level info

  # Echo server restricted to one origin, negotiating a subprotocol
  wsserver serve --echo --origin https://app.example --protocol chat.v2 --protocol chat.v1

  # Ephemeral port, advertised on the local network
  wsserver serve --port 0 --advertise --instance lab

  # Capture all traffic for later analysis
  wsserver serve --capture-dir ./captures`,
	RunE: runServe,
}

func init() {
	addServerFlags(serveCmd.Flags())
	addDiscoveryFlags(serveCmd.Flags())
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "Echo inbound messages back to the sender")
}

func newServer() *server.Server {
	return server.New(settings.ServerOptions()...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := initLogging(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	srv := newServer()
	ch, err := srv.Start(settings.StartOptions())
	if err != nil {
		return err
	}

	printer := ui.NewPrinter(cmd.OutOrStdout())
	var ad *discovery.Advertisement
	defer func() { ad.Shutdown() }()

	var runErr error
	stopping := false
	for {
		select {
		case <-ctx.Done():
			if !stopping {
				stopping = true
				logging.Info("Interrupted, stopping server")
				go func() {
					sctx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout.Std()*2)
					defer cancel()
					if err := srv.Shutdown(sctx); err != nil {
						logging.Warn("Shutdown incomplete", zap.Error(err))
					}
				}()
			}
			ctx = context.Background()

		case e, ok := <-ch:
			if !ok {
				return runErr
			}
			logEvent(e)

			switch e.Action {
			case events.ActionStart:
				printer.PrintHeader(serveHeader(e))
				if settings.Discovery.Advertise {
					ad, err = advertise(e.Port)
					if err != nil {
						logging.Warn("mDNS advertisement failed", zap.Error(err))
					}
				}
			case events.ActionFailure:
				printer.PrintResult(ui.NewFailureResult("Server failed", fmt.Errorf("%s", e.Reason),
					"Check that the port is free and allowed for this user",
					"Use --port 0 to pick an ephemeral port",
				))
				runErr = fmt.Errorf("server failed: %s", e.Reason)
			case events.ActionStop:
				ad.Shutdown()
			case events.ActionMessage:
				if serveEcho {
					echo(srv, e)
				}
			}
		}
	}
}

func echo(srv *server.Server, e events.Event) {
	if err := srv.Send(e.ConnID(), events.Payload{Data: e.Msg, Binary: e.IsBinary}); err != nil {
		logging.Debug("Echo failed", zap.String("conn_id", e.ConnID()), zap.Error(err))
	}
}

func serveHeader(e events.Event) *ui.Header {
	s := settings.Server
	h := ui.NewHeader("WebSocket Server", "wsserver serve",
		ui.Param{Key: "Listening", Value: fmt.Sprintf("ws://%s:%d/", e.Addr, e.Port)},
		ui.Param{Key: "Origins", Value: listOrAll(s.Origins)},
		ui.Param{Key: "Protocols", Value: listOr(s.Protocols, "(none)")},
	)
	if serveEcho {
		h.Set("Mode", "echo")
	}
	if s.CaptureDir != "" {
		h.Set("Capture", s.CaptureDir)
	}
	return h
}

func listOrAll(v []string) string {
	return listOr(v, "*")
}

func listOr(v []string, empty string) string {
	if len(v) == 0 {
		return empty
	}
	return strings.Join(v, ", ")
}

// advertise publishes the running server via mDNS.
func advertise(port int) (*discovery.Advertisement, error) {
	instance := settings.Discovery.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		instance = "wsserver-" + strings.Split(host, ".")[0]
	}

	meta := map[string]string{
		"path":    "/",
		"version": version.Version,
	}
	if p := settings.Server.Protocols; len(p) > 0 {
		meta["protocols"] = strings.Join(p, ",")
	}
	return discovery.Advertise(instance, port, meta)
}

// logEvent writes one event to the structured log.
func logEvent(e events.Event) {
	fields := []zap.Field{zap.String("action", string(e.Action))}
	switch e.Action {
	case events.ActionStart, events.ActionStop:
		fields = append(fields, zap.String("addr", e.Addr), zap.Int("port", e.Port))
	case events.ActionFailure:
		logging.Error("Server event", append(fields,
			zap.String("addr", e.Addr), zap.Int("port", e.Port), zap.String("reason", e.Reason))...)
		return
	case events.ActionOpen:
		fields = append(fields,
			zap.String("conn_id", e.ConnID()),
			zap.String("remote_addr", e.Conn.RemoteAddr),
			zap.String("resource", e.Conn.Resource),
			zap.String("protocol", e.Conn.AcceptedProtocol),
		)
	case events.ActionMessage:
		fields = append(fields,
			zap.String("conn_id", e.ConnID()),
			zap.Bool("binary", e.IsBinary),
			zap.Int("length", len(e.Msg)),
		)
		logging.Debug("Server event", fields...)
		return
	case events.ActionClose:
		fields = append(fields,
			zap.String("conn_id", e.ConnID()),
			zap.Int("code", e.Code),
			zap.String("reason", e.Reason),
			zap.Bool("was_clean", e.WasClean),
		)
	case events.ActionError:
		logging.Warn("Server event", append(fields,
			zap.String("conn_id", e.ConnID()), zap.String("reason", e.Reason))...)
		return
	}
	logging.Info("Server event", fields...)
}
