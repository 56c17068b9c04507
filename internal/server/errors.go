package server

import (
	"errors"

	"github.com/muurk/wsserver/internal/events"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is starting, running or stopping.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning is returned by Stop, Send and Close when the server is
	// stopped. Send and Close wrap it together with ErrUnknownConnection.
	ErrNotRunning = errors.New("server: not running")

	// ErrInvalidPort is returned by Start for ports outside 0-65535.
	ErrInvalidPort = errors.New("server: invalid port")

	// ErrUnknownConnection is returned when an identifier does not name an open connection.
	ErrUnknownConnection = errors.New("server: unknown connection")

	// ErrConnectionClosing is returned when sending on a connection whose close
	// has already been requested.
	ErrConnectionClosing = errors.New("server: connection is closing")

	// ErrInvalidPayload is returned when a binary payload is not valid base64.
	ErrInvalidPayload = events.ErrInvalidPayload

	// ErrSendQueueFull is returned when a connection's outbound queue is full.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrInvalidCloseCode is returned for close codes an endpoint may not send.
	ErrInvalidCloseCode = errors.New("server: invalid close code")

	// ErrCloseReasonTooLong is returned when a close reason exceeds 123 bytes.
	ErrCloseReasonTooLong = errors.New("server: close reason too long")
)

// maxCloseReasonLen is the control frame payload limit (125) minus the status code.
const maxCloseReasonLen = 123

// validCloseCode reports whether code may be sent in a close frame.
// 1004-1006 and 1015 are reserved and never sent on the wire.
func validCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
