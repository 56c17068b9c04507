package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/policy"
	"github.com/muurk/wsserver/internal/registry"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Server.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Server is an embeddable WebSocket server. A Server runs at most one
// listener at a time and can be started again after it stopped.
type Server struct {
	cfg      settings
	registry *registry.Registry[*connection]
	capture  *capturer

	mu    sync.Mutex
	state State
	run   *run
}

// run is one Start..Stop cycle.
type run struct {
	srv        *Server
	opts       Options
	policy     *policy.Policy
	dispatcher *events.Dispatcher
	upgrader   websocket.Upgrader

	listener net.Listener
	http     *http.Server
	addr     string
	port     int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// handlers counts connection handlers; closing blocks new ones once the
	// stop sequence has begun.
	hmu      sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

// New creates a stopped server.
func New(opts ...Option) *Server {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		cfg:      cfg,
		registry: registry.New[*connection](cfg.registryOpts...),
		capture:  newCapturer(cfg.captureDir),
	}
}

// Start begins a run and returns the channel all of its events are
// delivered on. Binding happens in the background: the first event is
// onStart or onFailure. The last event is onStop or onFailure, after which
// the channel is closed. The caller must keep receiving until then.
func (s *Server) Start(opts Options) (<-chan events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Stopped {
		return nil, ErrAlreadyRunning
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, opts.Port)
	}

	r := &run{
		srv:    s,
		opts:   opts,
		policy: policy.New(opts.Origins, opts.Protocols),
		port:   opts.Port,
		addr:   displayHost(s.cfg.host),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.dispatcher = events.NewDispatcher(func(id string) {
		s.registry.Release(id)
	})
	r.upgrader = websocket.Upgrader{
		HandshakeTimeout: s.cfg.writeTimeout,
		// Origins are enforced by the policy before Upgrade is called.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	s.state = Starting
	s.run = r

	logging.Info("Starting WebSocket server",
		zap.String("host", s.cfg.host),
		zap.Int("port", opts.Port),
		zap.Strings("origins", r.policy.Origins()),
		zap.Strings("protocols", r.policy.Protocols()),
	)

	go r.serve()
	return r.dispatcher.Events(), nil
}

// Stop asks the running server to stop. It does not wait: onStop is
// delivered on the event channel once every connection has been closed.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Stopped:
		return ErrNotRunning
	case Stopping:
		return nil
	}

	s.state = Stopping
	s.run.requestStop()
	return nil
}

// Shutdown stops the server and waits until the stop sequence finished or
// ctx is done. Shutting down a stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listening address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running || s.run.listener == nil {
		return nil
	}
	return s.run.listener.Addr()
}

// Connections returns the metadata of every open connection.
func (s *Server) Connections() []events.ConnInfo {
	live := s.registry.Live()
	infos := make([]events.ConnInfo, 0, len(live))
	for _, c := range live {
		infos = append(infos, c.info)
	}
	return infos
}

// Lookup returns the metadata of an open connection.
func (s *Server) Lookup(id string) (events.ConnInfo, bool) {
	c, ok := s.registry.LookupByIdentifier(id)
	if !ok {
		return events.ConnInfo{}, false
	}
	return c.info, true
}

// Send queues p for delivery on connection id.
func (s *Server) Send(id string, p events.Payload) error {
	c, err := s.connection(id)
	if err != nil {
		return err
	}

	data, err := p.Bytes()
	if err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if p.Binary {
		messageType = websocket.BinaryMessage
	}
	return c.enqueue(messageType, data)
}

// SendText queues a text message.
func (s *Server) SendText(id, text string) error {
	return s.Send(id, events.Text(text))
}

// SendBinary queues a binary message.
func (s *Server) SendBinary(id string, data []byte) error {
	return s.Send(id, events.Binary(data))
}

// Close starts the close handshake on connection id. A nil code sends a
// normal closure (1000). The onClose event follows once the connection is
// gone.
func (s *Server) Close(id string, code *int, reason string) error {
	closeCode := websocket.CloseNormalClosure
	if code != nil {
		closeCode = *code
	}
	if !validCloseCode(closeCode) {
		return fmt.Errorf("%w: %d", ErrInvalidCloseCode, closeCode)
	}
	if len(reason) > maxCloseReasonLen {
		return fmt.Errorf("%w: %d bytes", ErrCloseReasonTooLong, len(reason))
	}

	c, err := s.connection(id)
	if err != nil {
		return err
	}
	c.requestClose(closeCode, reason)
	return nil
}

// connection resolves id through the registry. On a stopped server the
// error matches both ErrNotRunning and ErrUnknownConnection.
func (s *Server) connection(id string) (*connection, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Stopped {
		logging.Warn("Connection lookup on stopped server", zap.String("conn_id", id))
		return nil, fmt.Errorf("%w: %w: %s", ErrNotRunning, ErrUnknownConnection, id)
	}

	c, ok := s.registry.LookupByIdentifier(id)
	if !ok {
		logging.Warn("Unknown connection", zap.String("conn_id", id))
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// serve binds, serves until stopped or failed, and runs the stop sequence.
func (r *run) serve() {
	s := r.srv

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.host, strconv.Itoa(r.opts.Port)))
	if err != nil {
		logging.Error("Failed to listen", zap.Int("port", r.opts.Port), zap.Error(err))
		r.finish(events.Failed(r.addr, r.port, err.Error()))
		return
	}
	r.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		r.addr = tcp.IP.String()
		r.port = tcp.Port
	}

	r.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: s.cfg.writeTimeout,
		ErrorLog:          zap.NewStdLog(logging.GetLogger()),
	}

	s.mu.Lock()
	if s.state == Starting {
		s.state = Running
	}
	s.mu.Unlock()

	logging.Info("Server listening for connections",
		zap.String("addr", r.addr),
		zap.Int("port", r.port),
	)
	r.dispatcher.Emit(events.Started(r.addr, r.port))

	errChan := make(chan error, 1)
	go func() {
		errChan <- r.http.Serve(ln)
	}()

	var reclaim <-chan time.Time
	if s.cfg.reclaimInterval > 0 {
		ticker := time.NewTicker(s.cfg.reclaimInterval)
		defer ticker.Stop()
		reclaim = ticker.C
	}

	for {
		select {
		case <-r.stop:
			logging.Info("Stop requested, stopping server...")
			r.shutdown()
			r.finish(events.Stopped(r.addr, r.port))
			return

		case err := <-errChan:
			logging.Error("Server failed", zap.Error(err))
			r.shutdown()
			r.finish(events.Failed(r.addr, r.port, err.Error()))
			return

		case <-reclaim:
			if n := s.registry.Reclaim(); n > 0 {
				logging.Debug("Reclaimed connection records", zap.Int("count", n))
			}
		}
	}
}

// shutdown closes the listener, closes every connection with 1001 and waits
// for their handlers.
func (r *run) shutdown() {
	s := r.srv

	r.hmu.Lock()
	r.closing = true
	r.hmu.Unlock()

	if err := r.http.Close(); err != nil {
		logging.Error("Error closing listener", zap.Error(err))
	}

	live := s.registry.Live()
	for _, c := range live {
		logging.Info("Closing active connection",
			zap.String("conn_id", c.id),
			zap.String("remote_addr", c.info.RemoteAddr),
		)
		c.requestClose(websocket.CloseGoingAway, "server stopping")
	}

	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All connections closed gracefully")
		return
	case <-time.After(s.cfg.closeGrace):
	}

	// Peers that did not finish the close handshake are dropped.
	for _, c := range live {
		c.drop()
	}

	select {
	case <-done:
		logging.Info("All connections closed")
	case <-time.After(s.cfg.shutdownTimeout):
		logging.Warn("Shutdown timeout, abandoning connection handlers",
			zap.Duration("timeout", s.cfg.shutdownTimeout),
		)
	}
}

// finish clears the registry, returns the server to Stopped and delivers the
// terminal event.
func (r *run) finish(final events.Event) {
	s := r.srv
	s.registry.Clear()

	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.state = Stopped
	}
	s.mu.Unlock()

	r.dispatcher.Finish(final)
	logging.Info("Server stopped",
		zap.String("event", string(final.Action)),
		zap.Int("undelivered_events", r.dispatcher.Pending()),
	)
	logging.Sync()
	close(r.done)
}

// enter registers a connection handler unless the run is stopping.
func (r *run) enter() bool {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	if r.closing {
		return false
	}
	r.handlers.Add(1)
	return true
}

func (r *run) leave() {
	r.handlers.Done()
}

func (r *run) stopping() bool {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	return r.closing
}

func displayHost(host string) string {
	if host == "" {
		return "0.0.0.0"
	}
	return host
}
