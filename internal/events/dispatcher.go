package events

import (
	"sync"

	"github.com/eapache/queue"
)

// FaultCloseCode is the close code requested after a transport fault
// (1011, internal error).
const FaultCloseCode = 1011

// CloseFunc asks the transport to close a connection.
type CloseFunc func(code int, reason string)

// Dispatcher delivers events to a single listener in emission order.
//
// Emit never blocks: events are queued without bound and handed to the
// listener one at a time on an unbuffered channel by a dedicated goroutine.
// An event counts as delivered once the listener has received it from
// Events. After an onClose event is delivered the release hook is called
// with its connection identifier.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool

	out     chan Event
	done    chan struct{}
	release func(id string)
}

// NewDispatcher starts a dispatcher. release may be nil.
func NewDispatcher(release func(id string)) *Dispatcher {
	d := &Dispatcher{
		pending: queue.New(),
		out:     make(chan Event),
		done:    make(chan struct{}),
		release: release,
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Events returns the listener channel. It is closed after Finish once every
// queued event, the final one included, has been delivered.
func (d *Dispatcher) Events() <-chan Event {
	return d.out
}

// Done is closed when the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Emit queues e. It returns false if the dispatcher is closed.
func (d *Dispatcher) Emit(e Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.pending.Add(e)
	d.cond.Signal()
	return true
}

// Finish queues e as the last event and closes the dispatcher.
func (d *Dispatcher) Finish(e Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.pending.Add(e)
	d.closed = true
	d.cond.Signal()
	return true
}

// Pending returns the number of queued, undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

// TransportFault reports a fault on conn and asks closeFn to close it with
// FaultCloseCode. The caller still emits the onClose event.
func (d *Dispatcher) TransportFault(conn ConnInfo, err error, closeFn CloseFunc) {
	reason := "transport failure"
	if err != nil {
		reason = err.Error()
	}
	d.Emit(Errored(conn, reason))
	if closeFn != nil {
		closeFn(FaultCloseCode, "")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer close(d.out)

	for {
		d.mu.Lock()
		for d.pending.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.pending.Length() == 0 {
			d.mu.Unlock()
			return
		}
		e := d.pending.Remove().(Event)
		d.mu.Unlock()

		d.out <- e

		if e.Action == ActionClose && e.Conn != nil && d.release != nil {
			d.release(e.Conn.UUID)
		}
	}
}
