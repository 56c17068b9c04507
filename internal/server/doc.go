// Package server implements an embeddable WebSocket server with a
// connection-oriented event interface.
//
// A Server listens on one port at a time. Start returns a channel that
// carries every event of the run; the host addresses connections by the
// identifiers those events carry.
//
// # Usage Example
//
//	srv := server.New(server.WithPingInterval(30 * time.Second))
//
//	ch, err := srv.Start(server.Options{
//	    Port:      8080,
//	    Origins:   []string{"https://app.example.com"},
//	    Protocols: []string{"chat.v2", "chat.v1"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for e := range ch {
//	    switch e.Action {
//	    case events.ActionMessage:
//	        _ = srv.SendText(e.ConnID(), e.Msg)
//	    case events.ActionFailure:
//	        log.Println(e.Reason)
//	    }
//	}
//
// # Handshake
//
// Upgrade requests are checked against the run's handshake policy before the
// upgrade. A request with a disallowed Origin is answered with 403, one
// without an acceptable subprotocol with 400. Rejected requests produce no
// events. When protocols are configured, the first protocol in the client's
// list that the server allows is selected.
//
// # Event Order
//
// For each connection the host sees onOpen, any number of onMessage, an
// optional onError and finally onClose. Once onClose has been emitted the
// identifier no longer resolves: Send and Close return ErrUnknownConnection.
// The record itself is reclaimed only after onClose was received by the
// host, so identifiers are never reused while a notification is in flight.
//
// # Stopping
//
// Stop closes the listener, sends every connection a 1001 close frame,
// drops peers that do not complete the close handshake within the grace
// period, waits for connection handlers (10 seconds by default), clears the
// registry and delivers onStop. An unexpected listener failure runs the same
// sequence and ends with onFailure instead.
//
// # Thread Safety
//
// All Server methods are safe for concurrent use. Each connection runs one
// goroutine for reading and one for writing.
package server
