// Package registry tracks live WebSocket connections under opaque identifiers.
//
// A Registry keeps two consistent maps, identifier to handle and handle to
// identifier, and a pending-removal state for connections that have closed but
// whose close notification may still be in flight.
//
// # Entry Lifecycle
//
//	Register ──> live ──MarkClosed──> pending ──Release──> queued ──Reclaim──> gone
//
//   - Register assigns a UUID that no live or pending entry uses.
//   - LookupByIdentifier only resolves live entries, so commands addressed to
//     a closed connection fail as unknown.
//   - LookupByHandle resolves live and pending entries.
//   - Release is called after the close notification was delivered; only then
//     does the entry enter the reclamation queue.
//   - Reclaim drains the queue. Register drains it too, before generating an
//     identifier, so cleanup never runs concurrently with a registration.
//
// # Thread Safety
//
// Every operation takes one registry-wide mutex. Expected connection counts
// do not justify finer-grained locking.
package registry
