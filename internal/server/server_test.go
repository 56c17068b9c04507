package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const eventTimeout = 3 * time.Second

// harness runs a server on an ephemeral loopback port.
type harness struct {
	t      *testing.T
	srv    *Server
	events <-chan events.Event
	port   int
}

func start(t *testing.T, opts Options, serverOpts ...Option) *harness {
	t.Helper()

	serverOpts = append([]Option{
		WithHost("127.0.0.1"),
		WithCloseGracePeriod(200 * time.Millisecond),
		WithShutdownTimeout(2 * time.Second),
	}, serverOpts...)
	srv := New(serverOpts...)

	ch, err := srv.Start(opts)
	require.NoError(t, err)

	h := &harness{t: t, srv: srv, events: ch}
	e := h.next()
	require.Equal(t, events.ActionStart, e.Action, "unexpected first event: %v", e)
	assert.Equal(t, "127.0.0.1", e.Addr)
	h.port = e.Port
	require.NotZero(t, h.port)
	require.Equal(t, Running, srv.State())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go func() {
			for range ch {
			}
		}()
		_ = srv.Shutdown(ctx)
	})
	return h
}

func (h *harness) next() events.Event {
	h.t.Helper()
	select {
	case e, ok := <-h.events:
		require.True(h.t, ok, "event channel closed")
		return e
	case <-time.After(eventTimeout):
		h.t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func (h *harness) expect(action events.Action) events.Event {
	h.t.Helper()
	e := h.next()
	require.Equal(h.t, action, e.Action, "got %v", e)
	return e
}

func (h *harness) expectNoEvent(d time.Duration) {
	h.t.Helper()
	select {
	case e := <-h.events:
		h.t.Fatalf("unexpected event %v", e)
	case <-time.After(d):
	}
}

func (h *harness) url(path string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d%s", h.port, path)
}

func (h *harness) dial(path string, header http.Header, protocols ...string) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		HandshakeTimeout: eventTimeout,
		Subprotocols:     protocols,
	}
	return d.Dial(h.url(path), header)
}

// connect dials and returns the client and its onOpen event.
func (h *harness) connect(path string, header http.Header, protocols ...string) (*websocket.Conn, events.Event) {
	h.t.Helper()
	c, _, err := h.dial(path, header, protocols...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c, h.expect(events.ActionOpen)
}

func TestStartWhileRunning(t *testing.T) {
	h := start(t, Options{})

	_, err := h.srv.Start(Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartInvalidPort(t *testing.T) {
	srv := New()
	for _, port := range []int{-1, 65536, 70000} {
		_, err := srv.Start(Options{Port: port})
		assert.ErrorIs(t, err, ErrInvalidPort, "port %d", port)
	}
	assert.Equal(t, Stopped, srv.State())
}

func TestOperationsWhenStopped(t *testing.T) {
	srv := New()

	assert.ErrorIs(t, srv.Stop(), ErrNotRunning)
	for _, err := range []error{srv.SendText("id", "x"), srv.Close("id", nil, "")} {
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.ErrorIs(t, err, ErrUnknownConnection)
	}
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Nil(t, srv.Addr())
}

func TestRunLogsPolicyAndUndeliveredEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.SetLogger(zap.New(core))
	defer logging.SetLogger(nil)

	h := start(t, Options{Origins: []string{"*"}, Protocols: []string{"chat"}})
	go func() {
		for range h.events {
		}
	}()
	require.NoError(t, h.srv.Shutdown(context.Background()))

	started := logs.FilterMessage("Starting WebSocket server").All()
	require.Len(t, started, 1)
	fields := started[0].ContextMap()
	assert.Empty(t, fields["origins"], "wildcard origin is logged as unrestricted")
	assert.Equal(t, []interface{}{"chat"}, fields["protocols"])

	stopped := logs.FilterMessage("Server stopped").All()
	require.Len(t, stopped, 1)
	assert.Contains(t, stopped[0].ContextMap(), "undelivered_events")
	assert.Equal(t, "onStop", stopped[0].ContextMap()["event"])
}

func TestBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	srv := New(WithHost("127.0.0.1"))
	ch, err := srv.Start(Options{Port: port})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, events.ActionFailure, e.Action)
		assert.Equal(t, port, e.Port)
		assert.NotEmpty(t, e.Reason)
	case <-time.After(eventTimeout):
		t.Fatal("no failure event")
	}

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after onFailure")
	case <-time.After(eventTimeout):
		t.Fatal("channel not closed")
	}

	assert.Equal(t, Stopped, srv.State())
	assert.ErrorIs(t, srv.Stop(), ErrNotRunning)

	// The server can be started again.
	busy.Close()
	ch, err = srv.Start(Options{Port: 0})
	require.NoError(t, err)
	e := <-ch
	assert.Equal(t, events.ActionStart, e.Action)
	go func() {
		for range ch {
		}
	}()
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestOriginRejected(t *testing.T) {
	h := start(t, Options{Origins: []string{"https://good.example"}})

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := h.dial("/", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = h.dial("/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "missing Origin is not allowed")

	h.expectNoEvent(200 * time.Millisecond)
	assert.Empty(t, h.srv.Connections())

	_, open := h.connect("/", http.Header{"Origin": {"https://good.example"}})
	assert.Equal(t, "https://good.example", open.Conn.HTTPFields["Origin"])
}

func TestSubprotocolClientOrderWins(t *testing.T) {
	h := start(t, Options{Protocols: []string{"b", "a"}})

	c, open := h.connect("/", nil, "a", "b")
	assert.Equal(t, "a", c.Subprotocol())
	assert.Equal(t, "a", open.Conn.AcceptedProtocol)
}

func TestSubprotocolAcrossHeaderLines(t *testing.T) {
	h := start(t, Options{Protocols: []string{"b"}})

	header := http.Header{}
	header.Add("Sec-WebSocket-Protocol", "a")
	header.Add("Sec-WebSocket-Protocol", "b")
	c, open := h.connect("/", header)
	assert.Equal(t, "b", c.Subprotocol())
	assert.Equal(t, "b", open.Conn.AcceptedProtocol)
}

func TestWildcardOriginAcceptsAny(t *testing.T) {
	h := start(t, Options{Origins: []string{"*"}})

	_, open := h.connect("/", http.Header{"Origin": {"https://anything.example"}})
	assert.Equal(t, "https://anything.example", open.Conn.HTTPFields["Origin"])
	h.connect("/", nil)
}

func TestSubprotocolRejected(t *testing.T) {
	h := start(t, Options{Protocols: []string{"chat"}})

	_, resp, err := h.dial("/", nil, "video")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = h.dial("/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.expectNoEvent(200 * time.Millisecond)
}

func TestNoProtocolsConfigured(t *testing.T) {
	h := start(t, Options{})

	c, open := h.connect("/", nil, "chat")
	assert.Empty(t, c.Subprotocol())
	assert.Empty(t, open.Conn.AcceptedProtocol)
}

func TestNonUpgradeRequest(t *testing.T) {
	h := start(t, Options{})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", h.port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	h.expectNoEvent(100 * time.Millisecond)
}

func TestOpenMetadata(t *testing.T) {
	h := start(t, Options{})

	header := http.Header{"X-Custom": {"one", "two"}}
	_, open := h.connect("/chat?room=1", header)

	info := open.Conn
	assert.NotEmpty(t, info.UUID)
	assert.Equal(t, "127.0.0.1", info.RemoteAddr)
	assert.Equal(t, "/chat?room=1", info.Resource)
	assert.Equal(t, "one, two", info.HTTPFields["X-Custom"])
	assert.Equal(t, "websocket", strings.ToLower(info.HTTPFields["Upgrade"]))

	got, ok := h.srv.Lookup(info.UUID)
	require.True(t, ok)
	assert.Equal(t, info.Resource, got.Resource)
}

func TestTextRoundTrip(t *testing.T) {
	h := start(t, Options{})
	c, open := h.connect("/", nil)
	id := open.ConnID()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hello")))
	msg := h.expect(events.ActionMessage)
	assert.Equal(t, id, msg.ConnID())
	assert.False(t, msg.IsBinary)
	assert.Equal(t, "hello", msg.Msg)

	require.NoError(t, h.srv.SendText(id, "world"))
	_ = c.SetReadDeadline(time.Now().Add(eventTimeout))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "world", string(data))
}

func TestBinaryRoundTrip(t *testing.T) {
	h := start(t, Options{})
	c, open := h.connect("/", nil)
	id := open.ConnID()

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, payload))
	msg := h.expect(events.ActionMessage)
	assert.True(t, msg.IsBinary)
	got, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Echo the base64 form back as the bridge would.
	require.NoError(t, h.srv.Send(id, events.Payload{Data: msg.Msg, Binary: true}))
	_ = c.SetReadDeadline(time.Now().Add(eventTimeout))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, data)
}

func TestSendInvalidPayload(t *testing.T) {
	h := start(t, Options{})
	_, open := h.connect("/", nil)

	err := h.srv.Send(open.ConnID(), events.Payload{Data: "***", Binary: true})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSendUnknownConnection(t *testing.T) {
	h := start(t, Options{})
	for _, err := range []error{h.srv.SendText("no-such-id", "x"), h.srv.Close("no-such-id", nil, "")} {
		assert.ErrorIs(t, err, ErrUnknownConnection)
		assert.NotErrorIs(t, err, ErrNotRunning)
	}
}

func TestClientCloseSequence(t *testing.T) {
	h := start(t, Options{})
	c, open := h.connect("/", nil)
	id := open.ConnID()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("1")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("2")))
	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Equal(t, "1", h.expect(events.ActionMessage).Msg)
	assert.Equal(t, "2", h.expect(events.ActionMessage).Msg)
	closed := h.expect(events.ActionClose)
	assert.Equal(t, id, closed.ConnID())
	assert.Equal(t, websocket.CloseNormalClosure, closed.Code)
	assert.Equal(t, "bye", closed.Reason)
	assert.True(t, closed.WasClean)

	// The identifier no longer resolves once onClose was emitted.
	assert.ErrorIs(t, h.srv.SendText(id, "late"), ErrUnknownConnection)
	assert.ErrorIs(t, h.srv.Close(id, nil, ""), ErrUnknownConnection)
	_, ok := h.srv.Lookup(id)
	assert.False(t, ok)
}

func TestAbruptDisconnect(t *testing.T) {
	h := start(t, Options{})
	c, _ := h.connect("/", nil)

	require.NoError(t, c.NetConn().Close())

	closed := h.expect(events.ActionClose)
	assert.Equal(t, websocket.CloseAbnormalClosure, closed.Code)
	assert.False(t, closed.WasClean)
}

func TestServerClose(t *testing.T) {
	h := start(t, Options{})
	c, open := h.connect("/", nil)
	id := open.ConnID()

	require.NoError(t, h.srv.SendText(id, "before close"))
	code := 4000
	require.NoError(t, h.srv.Close(id, &code, "done"))
	assert.ErrorIs(t, h.srv.SendText(id, "after close"), ErrConnectionClosing)

	_ = c.SetReadDeadline(time.Now().Add(eventTimeout))
	_, data, err := c.ReadMessage()
	require.NoError(t, err, "queued message must be sent before the close frame")
	assert.Equal(t, "before close", string(data))

	_, _, err = c.ReadMessage()
	require.True(t, websocket.IsCloseError(err, 4000), "got %v", err)

	closed := h.expect(events.ActionClose)
	assert.Equal(t, 4000, closed.Code)
	assert.Equal(t, "done", closed.Reason)
	assert.True(t, closed.WasClean)
}

func TestServerCloseDefaultsToNormal(t *testing.T) {
	h := start(t, Options{})
	c, open := h.connect("/", nil)

	require.NoError(t, h.srv.Close(open.ConnID(), nil, ""))

	_ = c.SetReadDeadline(time.Now().Add(eventTimeout))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, h.expect(events.ActionClose).Code)
}

func TestCloseValidation(t *testing.T) {
	h := start(t, Options{})
	_, open := h.connect("/", nil)
	id := open.ConnID()

	for _, code := range []int{999, 1004, 1005, 1006, 1015, 2999, 5000} {
		c := code
		assert.ErrorIs(t, h.srv.Close(id, &c, ""), ErrInvalidCloseCode, "code %d", code)
	}

	ok := 1000
	assert.ErrorIs(t, h.srv.Close(id, &ok, strings.Repeat("x", 124)), ErrCloseReasonTooLong)
	assert.NoError(t, h.srv.Close(id, &ok, strings.Repeat("x", 123)))
}

func TestStopClosesConnectionsAndClearsRegistry(t *testing.T) {
	h := start(t, Options{})

	clients := make([]*websocket.Conn, 0, 2)
	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		c, open := h.connect("/", nil)
		clients = append(clients, c)
		ids[open.ConnID()] = true
	}
	// Keep reading so the clients answer the close handshake.
	for _, c := range clients {
		go func(c *websocket.Conn) {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}(c)
	}

	require.NoError(t, h.srv.Stop())
	assert.NoError(t, h.srv.Stop(), "second Stop while stopping is a no-op")

	for i := 0; i < 2; i++ {
		closed := h.expect(events.ActionClose)
		assert.True(t, ids[closed.ConnID()])
		assert.Equal(t, websocket.CloseGoingAway, closed.Code)
	}
	h.expect(events.ActionStop)

	select {
	case _, ok := <-h.events:
		assert.False(t, ok)
	case <-time.After(eventTimeout):
		t.Fatal("channel not closed after onStop")
	}

	assert.Equal(t, Stopped, h.srv.State())
	assert.Empty(t, h.srv.Connections())
	assert.Equal(t, 0, h.srv.registry.Len())
	assert.Equal(t, 0, h.srv.registry.PendingLen())
	for id := range ids {
		err := h.srv.SendText(id, "x")
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.ErrorIs(t, err, ErrUnknownConnection)
	}
}

func TestStopDropsUnresponsivePeers(t *testing.T) {
	h := start(t, Options{})
	// This client never reads, so it never answers the close frame.
	_, open := h.connect("/", nil)

	require.NoError(t, h.srv.Stop())

	closed := h.expect(events.ActionClose)
	assert.Equal(t, open.ConnID(), closed.ConnID())
	assert.Equal(t, websocket.CloseGoingAway, closed.Code)
	assert.False(t, closed.WasClean)
	h.expect(events.ActionStop)
}

func TestListenerFailureReportsFailure(t *testing.T) {
	h := start(t, Options{})
	_, open := h.connect("/", nil)

	h.srv.mu.Lock()
	ln := h.srv.run.listener
	h.srv.mu.Unlock()
	require.NoError(t, ln.Close())

	closed := h.expect(events.ActionClose)
	assert.Equal(t, open.ConnID(), closed.ConnID())
	failed := h.expect(events.ActionFailure)
	assert.Equal(t, h.port, failed.Port)
	assert.NotEmpty(t, failed.Reason)

	assert.Equal(t, Stopped, h.srv.State())
	assert.Empty(t, h.srv.Connections())
}

func TestReleasedRecordsAreReclaimed(t *testing.T) {
	h := start(t, Options{})
	c, _ := h.connect("/", nil)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	h.expect(events.ActionClose)

	// Released once onClose was received; reclaimed by the next registration.
	assert.Eventually(t, func() bool {
		for _, e := range h.srv.registry.Snapshot() {
			if e.Released {
				return true
			}
		}
		return false
	}, eventTimeout, 10*time.Millisecond)

	h.connect("/", nil)
	assert.Equal(t, 0, h.srv.registry.PendingLen())
	assert.Equal(t, 1, h.srv.registry.Len())
}

func TestPeriodicReclaim(t *testing.T) {
	h := start(t, Options{}, WithReclaimInterval(20*time.Millisecond))
	c, _ := h.connect("/", nil)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	h.expect(events.ActionClose)

	assert.Eventually(t, func() bool {
		return h.srv.registry.PendingLen() == 0
	}, eventTimeout, 10*time.Millisecond)
}

func TestTCPNoDelayOption(t *testing.T) {
	noDelay := false
	h := start(t, Options{TCPNoDelay: &noDelay})
	c, _ := h.connect("/", nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("x")))
	assert.Equal(t, "x", h.expect(events.ActionMessage).Msg)
}

func TestReadLimitExceeded(t *testing.T) {
	h := start(t, Options{}, WithReadLimit(8))
	c, _ := h.connect("/", nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))

	h.expect(events.ActionError)
	closed := h.expect(events.ActionClose)
	assert.Equal(t, websocket.CloseMessageTooBig, closed.Code)
	assert.False(t, closed.WasClean)
}

func TestStopDuringStarting(t *testing.T) {
	srv := New(WithHost("127.0.0.1"))
	ch, err := srv.Start(Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Stop())

	var got []events.Action
	for e := range ch {
		got = append(got, e.Action)
	}
	assert.Equal(t, []events.Action{events.ActionStart, events.ActionStop}, got)
	assert.Equal(t, Stopped, srv.State())
}

func TestIndependentServers(t *testing.T) {
	a := start(t, Options{})
	b := start(t, Options{})
	assert.NotEqual(t, a.port, b.port)

	_, open := a.connect("/", nil)
	assert.ErrorIs(t, b.srv.SendText(open.ConnID(), "x"), ErrUnknownConnection)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestCaptureDirRecordsTraffic(t *testing.T) {
	dir := t.TempDir()
	h := start(t, Options{}, WithCaptureDir(dir))
	c, open := h.connect("/", nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	h.expect(events.ActionMessage)
	require.NoError(t, h.srv.SendText(open.ConnID(), "pong"))
	_ = c.SetReadDeadline(time.Now().Add(eventTimeout))
	_, _, err := c.ReadMessage()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "capture-*.jsonl"))
		if len(matches) != 1 {
			return false
		}
		data, err := os.ReadFile(matches[0])
		return err == nil && strings.Count(string(data), "\n") == 2
	}, eventTimeout, 10*time.Millisecond)
}
