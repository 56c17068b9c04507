package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"go.uber.org/zap"
)

type outbound struct {
	messageType int
	data        []byte
}

type closeRequest struct {
	code   int
	reason string
}

// connection is one accepted WebSocket. Its handler goroutine reads and
// emits every event of the connection; writePump owns all data writes.
type connection struct {
	id   string
	ws   *websocket.Conn
	info events.ConnInfo
	run  *run
	cfg  settings

	send     chan outbound
	closeReq chan closeRequest
	done     chan struct{} // closed when the read loop has exited

	mu      sync.Mutex
	closing bool
	local   *closeRequest // close initiated by this side
	fault   error         // write-side transport failure

	dropOnce sync.Once
}

// handle registers ws, runs it until it closes and emits its events.
func (r *run) handle(ws *websocket.Conn, info events.ConnInfo) {
	s := r.srv
	c := &connection{
		ws:       ws,
		info:     info,
		run:      r,
		cfg:      s.cfg,
		send:     make(chan outbound, s.cfg.sendQueueSize),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}

	if noDelay := r.opts.TCPNoDelay; noDelay != nil {
		if tcp, ok := ws.NetConn().(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(*noDelay); err != nil {
				logging.Warn("Failed to set TCP_NODELAY",
					zap.String("remote_addr", info.RemoteAddr),
					zap.Error(err),
				)
			}
		}
	}
	if s.cfg.readLimit > 0 {
		ws.SetReadLimit(s.cfg.readLimit)
	}

	id, err := s.registry.Register(c)
	if err != nil {
		logging.Error("Failed to register connection",
			zap.String("remote_addr", info.RemoteAddr),
			zap.Error(err),
		)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "try again later"),
			time.Now().Add(s.cfg.writeTimeout))
		_ = ws.Close()
		return
	}
	c.id = id
	c.info.UUID = id

	logging.LogConnection(id, info.RemoteAddr, "connection_opened")
	r.dispatcher.Emit(events.Opened(c.info))

	if r.stopping() {
		c.requestClose(websocket.CloseGoingAway, "server stopping")
	}

	go c.writePump()
	code, reason, clean := c.readLoop()
	close(c.done)
	_ = ws.Close()

	s.registry.MarkClosed(id)
	logging.LogConnection(id, info.RemoteAddr, "connection_closed")
	r.dispatcher.Emit(events.Closed(c.info, code, reason, clean))
}

// readLoop delivers inbound messages until the connection ends and returns
// the close status to report.
func (c *connection) readLoop() (code int, reason string, wasClean bool) {
	if c.cfg.pingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		c.ws.SetPongHandler(func(string) error {
			if c.isClosing() {
				return nil
			}
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return c.closeStatus(err)
		}

		logging.LogWebSocketMessage(c.id, "received", messageType, data)
		c.run.srv.capture.record(c.info, "inbound", messageType, data)
		c.run.dispatcher.Emit(events.Message(c.info, data, messageType == websocket.BinaryMessage))
	}
}

// closeStatus maps the error that ended the read loop to an onClose status,
// emitting onError first when the connection failed.
func (c *connection) closeStatus(err error) (int, string, bool) {
	c.mu.Lock()
	local, fault := c.local, c.fault
	c.mu.Unlock()

	if fault != nil {
		c.run.dispatcher.TransportFault(c.info, fault, nil)
		return websocket.CloseAbnormalClosure, "", false
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		// Peers usually echo our close frame without its reason.
		if ce.Text == "" && local != nil {
			return ce.Code, local.reason, true
		}
		return ce.Code, ce.Text, true
	}

	if local != nil {
		// The close handshake did not complete in time.
		return local.code, local.reason, false
	}
	if ce != nil {
		// Peer went away without a close frame.
		return websocket.CloseAbnormalClosure, "", false
	}

	logging.Warn("WebSocket read failed",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", c.info.RemoteAddr),
		zap.Error(err),
	)
	c.run.dispatcher.TransportFault(c.info, err, c.forceClose)
	if errors.Is(err, websocket.ErrReadLimit) {
		return websocket.CloseMessageTooBig, "", false
	}
	return websocket.CloseAbnormalClosure, "", false
}

func (c *connection) writePump() {
	var ping <-chan time.Time
	if c.cfg.pingInterval > 0 {
		ticker := time.NewTicker(c.cfg.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return

		case m := <-c.send:
			if err := c.write(m); err != nil {
				c.fail(err)
				return
			}

		case req := <-c.closeReq:
			if err := c.flush(); err != nil {
				c.fail(err)
				return
			}
			if err := c.writeClose(req.code, req.reason); err != nil {
				c.fail(err)
				return
			}
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.closeGrace))
			return

		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.writeTimeout)); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *connection) write(m outbound) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(m.messageType, m.data); err != nil {
		return err
	}
	logging.LogWebSocketMessage(c.id, "sent", m.messageType, m.data)
	c.run.srv.capture.record(c.info, "outbound", m.messageType, m.data)
	return nil
}

// flush writes every message queued before a close was requested.
func (c *connection) flush() error {
	for {
		select {
		case m := <-c.send:
			if err := c.write(m); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *connection) writeClose(code int, reason string) error {
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.cfg.writeTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// enqueue queues a message for the write pump without blocking.
func (c *connection) enqueue(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrConnectionClosing
	}
	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		logging.Warn("Send queue full",
			zap.String("conn_id", c.id),
			zap.Int("queue_size", cap(c.send)),
		)
		return ErrSendQueueFull
	}
}

// requestClose asks the write pump to flush and send a close frame. Only
// the first request per connection has an effect.
func (c *connection) requestClose(code int, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.local = &closeRequest{code: code, reason: reason}
	c.mu.Unlock()

	c.closeReq <- closeRequest{code: code, reason: reason}
}

func (c *connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// forceClose sends a best-effort close frame and drops the socket.
func (c *connection) forceClose(code int, reason string) {
	c.mu.Lock()
	c.closing = true
	if c.local == nil {
		c.local = &closeRequest{code: code, reason: reason}
	}
	c.mu.Unlock()

	_ = c.writeClose(code, reason)
	c.drop()
}

// fail records a write-side failure and drops the socket so the read loop
// ends and reports it.
func (c *connection) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	if c.fault == nil {
		c.fault = err
	}
	c.mu.Unlock()

	logging.Warn("WebSocket write failed",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", c.info.RemoteAddr),
		zap.Error(err),
	)
	c.drop()
}

func (c *connection) drop() {
	c.dropOnce.Do(func() {
		_ = c.ws.Close()
	})
}
