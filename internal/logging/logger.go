package logging

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

// LogLevelEnvVar is the environment variable that controls logging verbosity.
// When unset or empty, logging is silent (no zap output).
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "WSSERVER_LOG_LEVEL"

// Options configures the global logger beyond its level.
type Options struct {
	Level  string // debug, info, warn, error; empty = silent
	Format string // console (default) or json

	// File enables rotated file output in addition to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet suppresses console output; only useful together with File.
	Quiet bool

	// Stderr sends console output to stderr, keeping stdout free for data.
	Stderr bool
}

// InitializeWithOptions builds the global logger from opts.
// If opts.Level is empty, it checks WSSERVER_LOG_LEVEL environment variable.
// If neither is set, logging is disabled (silent mode).
func InitializeWithOptions(opts Options) error {
	level := opts.Level
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}

	if level == "" {
		SetLogger(zap.NewNop())
		return nil
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "json":
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "", "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return fmt.Errorf("failed to initialize logger: unknown format %q", opts.Format)
	}

	var sinks []zapcore.WriteSyncer
	if !opts.Quiet || opts.File == "" {
		console := os.Stdout
		if opts.Stderr {
			console = os.Stderr
		}
		sinks = append(sinks, zapcore.Lock(console))
	}
	if opts.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
			LocalTime:  true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zap.NewAtomicLevelAt(ParseLevel(level)))
	SetLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(zapcore.Lock(os.Stderr))))
	return nil
}

// ParseLevel maps a level name to a zap level.
// Unknown names fall back to info, as an explicitly set level should still log.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	// Fallback to silent logger if not initialized
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// SetLogger replaces the global logger. Tests use it to install an observer core.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// LogConnection logs a connection lifecycle event
func LogConnection(id string, remoteAddr string, event string) {
	Info("Connection event",
		zap.String("conn_id", id),
		zap.String("remote_addr", remoteAddr),
		zap.String("event", event),
	)
}

// LogHandshake logs the outcome of a WebSocket upgrade request
func LogHandshake(remoteAddr string, origin string, requested []string, accepted bool, subprotocol string, reason string) {
	fields := []zap.Field{
		zap.String("remote_addr", remoteAddr),
		zap.String("origin", origin),
		zap.Strings("requested_protocols", requested),
		zap.Bool("accepted", accepted),
	}
	if subprotocol != "" {
		fields = append(fields, zap.String("subprotocol", subprotocol))
	}
	if accepted {
		Debug("Handshake accepted", fields...)
		return
	}
	Warn("Handshake rejected", append(fields, zap.String("reason", reason))...)
}

// LogWebSocketMessage logs a WebSocket message
func LogWebSocketMessage(id string, direction string, messageType int, data []byte) {
	l := GetLogger()
	if !l.Core().Enabled(zapcore.DebugLevel) {
		return
	}

	fields := []zap.Field{
		zap.String("conn_id", id),
		zap.String("direction", direction),
		zap.String("message_type", wsMessageTypeName(messageType)),
		zap.Int("length", len(data)),
	}

	if messageType == 2 {
		fields = append(fields, zap.String("hex_dump", hexDump(data)))
	}

	if messageType == 1 {
		fields = append(fields, zap.String("content", asciiDump(data)))
	}

	l.Debug("WebSocket message", fields...)
}

// LogRawBytes logs raw bytes (useful for debugging protocol issues)
func LogRawBytes(label string, data []byte) {
	Debug(label,
		zap.Int("length", len(data)),
		zap.String("hex", hexDump(data)),
		zap.String("ascii", asciiDump(data)),
	)
}

// Helper functions

func wsMessageTypeName(msgType int) string {
	switch msgType {
	case 1:
		return "text"
	case 2:
		return "binary"
	case 8:
		return "close"
	case 9:
		return "ping"
	case 10:
		return "pong"
	default:
		return fmt.Sprintf("unknown(%d)", msgType)
	}
}

func hexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	// Limit to first 256 bytes for logging
	if len(data) > 256 {
		return hex.EncodeToString(data[:256]) + "..."
	}
	return hex.EncodeToString(data)
}

func asciiDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	// Limit to first 256 bytes
	if len(data) > 256 {
		data = data[:256]
	}

	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result)
}

// Sync flushes any buffered log entries
func Sync() {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}
