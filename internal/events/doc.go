// Package events defines the notifications a server run produces and the
// dispatcher that hands them to the host.
//
// A run produces, on a single channel:
//
//	onStart | onFailure
//	  (onOpen onMessage* [onError] onClose)*   per connection, interleaved
//	onStop | onFailure
//
// after which the channel is closed. Events of one connection are always
// emitted by that connection's goroutine, so the FIFO dispatcher keeps them
// in order without further coordination.
package events
