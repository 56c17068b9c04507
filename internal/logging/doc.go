// Package logging provides structured logging for the WebSocket server.
//
// This package wraps a global zap logger with convenience functions for the
// logging patterns used throughout the server: connection lifecycle, handshake
// decisions and message tracing.
//
// # Log Levels
//
//   - Debug: Handshake acceptances, message payload dumps, ping/pong
//   - Info: Server start/stop, connections opened and closed
//   - Warn: Rejected handshakes, unknown connection identifiers, transport faults
//   - Error: Bind failures and unexpected accept loop errors
//
// # Configuration
//
// Logging is silent until a level is configured, either explicitly or through
// the WSSERVER_LOG_LEVEL environment variable:
//
//	if err := logging.InitializeWithOptions(logging.Options{
//	    Level:  "info",
//	    Format: "json",
//	    File:   "/var/log/wsserver.log",
//	}); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When File is set, output is additionally written to a size-rotated file.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. SetLogger may be called
// at any time; it is mostly useful in tests.
package logging
