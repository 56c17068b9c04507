package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conn(id string) ConnInfo {
	return ConnInfo{UUID: id, RemoteAddr: "127.0.0.1"}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEmitDoesNotBlockWithoutReader(t *testing.T) {
	d := NewDispatcher(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Emit(Message(conn("a"), []byte(fmt.Sprint(i)), false))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked while nobody was reading")
	}

	// One event may already be parked in the delivery goroutine.
	assert.GreaterOrEqual(t, d.Pending(), 999)

	for i := 0; i < 1000; i++ {
		e := receive(t, d.Events())
		assert.Equal(t, fmt.Sprint(i), e.Msg)
	}
	d.Finish(Stopped("127.0.0.1", 1))
}

func TestPerConnectionOrderIsPreserved(t *testing.T) {
	d := NewDispatcher(nil)

	const conns = 5
	const perConn = 100

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			info := conn(fmt.Sprint(c))
			d.Emit(Opened(info))
			for i := 0; i < perConn; i++ {
				d.Emit(Message(info, []byte(fmt.Sprint(i)), false))
			}
			d.Emit(Closed(info, 1000, "", true))
		}(c)
	}
	go func() {
		wg.Wait()
		d.Finish(Stopped("127.0.0.1", 1))
	}()

	next := make(map[string]int)
	opened := make(map[string]bool)
	closed := make(map[string]bool)
	for e := range d.Events() {
		id := e.ConnID()
		require.False(t, closed[id], "event after onClose for %s", id)
		switch e.Action {
		case ActionOpen:
			opened[id] = true
		case ActionMessage:
			require.True(t, opened[id])
			assert.Equal(t, fmt.Sprint(next[id]), e.Msg)
			next[id]++
		case ActionClose:
			closed[id] = true
		case ActionStop:
			assert.Len(t, closed, conns, "onStop before every onClose")
		}
	}

	assert.Len(t, closed, conns)
	for id, n := range next {
		assert.Equal(t, perConn, n, "messages for %s", id)
	}
}

func TestReleaseAfterCloseDelivered(t *testing.T) {
	released := make(chan string, 1)
	d := NewDispatcher(func(id string) { released <- id })
	defer d.Finish(Stopped("127.0.0.1", 1))

	d.Emit(Opened(conn("x")))
	d.Emit(Closed(conn("x"), 1000, "", true))

	assert.Equal(t, ActionOpen, receive(t, d.Events()).Action)
	assert.Never(t, func() bool { return len(released) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"release called before onClose was delivered")

	assert.Equal(t, ActionClose, receive(t, d.Events()).Action)
	select {
	case id := <-released:
		assert.Equal(t, "x", id)
	case <-time.After(2 * time.Second):
		t.Fatal("release not called")
	}
}

func TestFinishDrainsThenClosesChannel(t *testing.T) {
	d := NewDispatcher(nil)
	d.Emit(Started("127.0.0.1", 1))
	d.Emit(Opened(conn("a")))
	d.Finish(Stopped("127.0.0.1", 1))

	assert.False(t, d.Emit(Opened(conn("b"))))

	var got []Action
	for e := range d.Events() {
		got = append(got, e.Action)
	}
	assert.Equal(t, []Action{ActionStart, ActionOpen, ActionStop}, got)
	assert.Zero(t, d.Pending())

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
}

func TestFinishDeliversTerminalEventLast(t *testing.T) {
	d := NewDispatcher(nil)
	d.Emit(Closed(conn("a"), 1001, "", true))
	require.True(t, d.Finish(Stopped("127.0.0.1", 1)))
	assert.False(t, d.Finish(Stopped("127.0.0.1", 1)))

	var got []Action
	for e := range d.Events() {
		got = append(got, e.Action)
	}
	assert.Equal(t, []Action{ActionClose, ActionStop}, got)
}

func TestTransportFault(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Finish(Stopped("127.0.0.1", 1))

	var code int
	d.TransportFault(conn("a"), errors.New("write: broken pipe"), func(c int, _ string) { code = c })

	e := receive(t, d.Events())
	assert.Equal(t, ActionError, e.Action)
	assert.Equal(t, "write: broken pipe", e.Reason)
	assert.Equal(t, FaultCloseCode, code)
}
