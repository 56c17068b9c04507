package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds identifier generation retries in Register.
const DefaultMaxAttempts = 16

var (
	// ErrAlreadyRegistered is returned when a live handle is registered twice.
	ErrAlreadyRegistered = errors.New("registry: handle already registered")

	// ErrIdentifierExhausted is returned when the generator produced only
	// colliding identifiers for every attempt.
	ErrIdentifierExhausted = errors.New("registry: could not generate a unique identifier")
)

// Generator produces candidate identifiers.
type Generator func() string

type entry[H comparable] struct {
	handle   H
	closed   bool // moved to pending removal
	released bool // close notification delivered, queued for reclaim
}

// Entry is a point-in-time view of one registry record.
type Entry[H comparable] struct {
	ID       string
	Handle   H
	Closed   bool
	Released bool
}

// Registry maps identifiers to connection handles and back.
//
// Live entries form a bijection. Closed entries stay in both maps as pending
// removal until they are released and then reclaimed, so identifiers are not
// reused and handle lookups made while a close notification is in flight
// still resolve.
type Registry[H comparable] struct {
	mu          sync.Mutex
	byID        map[string]*entry[H]
	byHandle    map[H]string
	reclaim     *queue.Queue
	generate    Generator
	maxAttempts int
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	generate    Generator
	maxAttempts int
}

// WithGenerator replaces the UUID generator.
func WithGenerator(g Generator) Option {
	return func(o *options) {
		o.generate = g
	}
}

// WithMaxAttempts sets how many identifiers Register tries before giving up.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// New creates an empty registry.
func New[H comparable](opts ...Option) *Registry[H] {
	o := options{
		generate:    uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}

	return &Registry[H]{
		byID:        make(map[string]*entry[H]),
		byHandle:    make(map[H]string),
		reclaim:     queue.New(),
		generate:    o.generate,
		maxAttempts: o.maxAttempts,
	}
}

// Register assigns a fresh identifier to h.
//
// Released entries are reclaimed first. A candidate identifier is rejected if
// any live or pending entry uses it. With a degenerate generator every
// candidate may collide, so the number of attempts is bounded and
// ErrIdentifierExhausted is returned instead of spinning forever.
func (r *Registry[H]) Register(h H) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reclaimLocked()

	if id, ok := r.byHandle[h]; ok {
		if e := r.byID[id]; e != nil && !e.closed {
			return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
		}
		// Stale pending mapping for a handle that is being reused. The old
		// identifier stays reserved in byID until it is reclaimed.
		delete(r.byHandle, h)
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		id := r.generate()
		if id == "" {
			continue
		}
		if _, taken := r.byID[id]; taken {
			continue
		}
		r.byID[id] = &entry[H]{handle: h}
		r.byHandle[h] = id
		return id, nil
	}

	return "", fmt.Errorf("%w after %d attempts", ErrIdentifierExhausted, r.maxAttempts)
}

// LookupByIdentifier returns the handle of a live connection.
// Closed, pending and unknown identifiers report false.
func (r *Registry[H]) LookupByIdentifier(id string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || e.closed {
		var zero H
		return zero, false
	}
	return e.handle, true
}

// LookupByHandle returns the identifier for h while it is live or pending
// removal. It reports false once the entry has been reclaimed.
func (r *Registry[H]) LookupByHandle(h H) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHandle[h]
	return id, ok
}

// MarkClosed moves a live entry to pending removal. It reports false if the
// identifier is unknown or already closed.
func (r *Registry[H]) MarkClosed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || e.closed {
		return false
	}
	e.closed = true
	return true
}

// Release makes a pending entry eligible for reclamation. It must only be
// called once the close notification for id has been delivered.
func (r *Registry[H]) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || !e.closed || e.released {
		return false
	}
	e.released = true
	r.reclaim.Add(id)
	return true
}

// Reclaim removes every released entry from both maps and returns how many
// were removed.
func (r *Registry[H]) Reclaim() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reclaimLocked()
}

func (r *Registry[H]) reclaimLocked() int {
	n := 0
	for r.reclaim.Length() > 0 {
		id := r.reclaim.Remove().(string)
		e, ok := r.byID[id]
		if !ok {
			continue
		}
		delete(r.byID, id)
		if cur, ok := r.byHandle[e.handle]; ok && cur == id {
			delete(r.byHandle, e.handle)
		}
		n++
	}
	return n
}

// Clear removes all entries, live and pending.
func (r *Registry[H]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.byID)
	clear(r.byHandle)
	for r.reclaim.Length() > 0 {
		r.reclaim.Remove()
	}
}

// Len returns the number of live entries.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.liveLocked()
}

// PendingLen returns the number of closed entries not yet reclaimed.
func (r *Registry[H]) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID) - r.liveLocked()
}

func (r *Registry[H]) liveLocked() int {
	n := 0
	for _, e := range r.byID {
		if !e.closed {
			n++
		}
	}
	return n
}

// Live returns the handles of all live entries.
func (r *Registry[H]) Live() []H {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]H, 0, len(r.byID))
	for _, e := range r.byID {
		if !e.closed {
			handles = append(handles, e.handle)
		}
	}
	return handles
}

// Snapshot returns every entry, live and pending.
func (r *Registry[H]) Snapshot() []Entry[H] {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry[H], 0, len(r.byID))
	for id, e := range r.byID {
		entries = append(entries, Entry[H]{
			ID:       id,
			Handle:   e.handle,
			Closed:   e.closed,
			Released: e.released,
		})
	}
	return entries
}
