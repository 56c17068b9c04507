package server

import (
	"time"

	"github.com/muurk/wsserver/internal/registry"
)

const (
	// Time allowed to write a message to the peer
	defaultWriteTimeout = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	defaultPingInterval = (defaultPongWait * 9) / 10

	// Maximum message size allowed from peer
	defaultReadLimit = 16 << 20

	defaultSendQueueSize   = 256
	defaultShutdownTimeout = 10 * time.Second
	defaultCloseGrace      = time.Second
)

// Options configures one run of the server. It is fixed for the lifetime of
// the run.
type Options struct {
	// Port to listen on; 0 picks an ephemeral port.
	Port int

	// Origins allowed to connect. Nil or empty allows every origin.
	Origins []string

	// Protocols the server accepts. Nil or empty means no subprotocol is
	// negotiated and none is required.
	Protocols []string

	// TCPNoDelay sets TCP_NODELAY on accepted connections. Nil keeps the
	// platform default.
	TCPNoDelay *bool
}

type settings struct {
	host            string
	readLimit       int64
	writeTimeout    time.Duration
	pingInterval    time.Duration
	sendQueueSize   int
	shutdownTimeout time.Duration
	closeGrace      time.Duration
	reclaimInterval time.Duration
	captureDir      string
	registryOpts    []registry.Option
}

func defaultSettings() settings {
	return settings{
		readLimit:       defaultReadLimit,
		writeTimeout:    defaultWriteTimeout,
		pingInterval:    defaultPingInterval,
		sendQueueSize:   defaultSendQueueSize,
		shutdownTimeout: defaultShutdownTimeout,
		closeGrace:      defaultCloseGrace,
	}
}

// pongWait is how long a connection may stay silent while heartbeats are on.
func (s settings) pongWait() time.Duration {
	return s.pingInterval * 10 / 9
}

// Option configures a Server.
type Option func(*settings)

// WithHost sets the interface address to bind. Empty binds all interfaces.
func WithHost(host string) Option {
	return func(s *settings) { s.host = host }
}

// WithReadLimit sets the maximum inbound message size in bytes. Zero disables the limit.
func WithReadLimit(n int64) Option {
	return func(s *settings) { s.readLimit = n }
}

// WithWriteTimeout sets the deadline for each outbound frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.writeTimeout = d }
}

// WithPingInterval sets the heartbeat period. A peer that does not answer
// within about one more period is treated as failed. Zero disables heartbeats.
func WithPingInterval(d time.Duration) Option {
	return func(s *settings) { s.pingInterval = d }
}

// WithSendQueueSize sets the per-connection outbound queue length.
func WithSendQueueSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.sendQueueSize = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for connection handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *settings) { s.shutdownTimeout = d }
}

// WithCloseGracePeriod sets how long a close handshake may take before the
// socket is dropped.
func WithCloseGracePeriod(d time.Duration) Option {
	return func(s *settings) { s.closeGrace = d }
}

// WithReclaimInterval enables periodic reclamation of released registry
// entries in addition to reclamation on every new connection.
func WithReclaimInterval(d time.Duration) Option {
	return func(s *settings) { s.reclaimInterval = d }
}

// WithCaptureDir appends every message to capture-YYYYMMDD.jsonl files in
// dir. Empty disables capture.
func WithCaptureDir(dir string) Option {
	return func(s *settings) { s.captureDir = dir }
}

// WithRegistryOptions passes options to the connection registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(s *settings) { s.registryOpts = append(s.registryOpts, opts...) }
}
