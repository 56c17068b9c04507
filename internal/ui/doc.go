// Package ui provides terminal UI components for the wsserver CLI.
//
// It uses Bubble Tea, Bubbles and Lipgloss for two kinds of output:
//
//   - Header and Result boxes printed once by commands such as serve,
//     interfaces and config init.
//   - Monitor, an interactive full-screen model showing the open
//     connections of a running server and a scrolling event log.
//
// The monitor consumes the server's event channel one event at a time and
// drives the server through the Controller interface, so tests exercise it
// with a fake controller and synthetic events.
//
// Logging is silent unless WSSERVER_LOG_LEVEL or a log file is configured.
// Commands that run the monitor send logs to the file only, so zap output
// never tears the full-screen display.
package ui
