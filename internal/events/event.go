package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies the kind of an Event. The values are the names hosts of
// the JSON bridge dispatch on.
type Action string

const (
	ActionStart   Action = "onStart"
	ActionStop    Action = "onStop"
	ActionFailure Action = "onFailure"
	ActionOpen    Action = "onOpen"
	ActionMessage Action = "onMessage"
	ActionClose   Action = "onClose"
	ActionError   Action = "onError"
)

// ErrInvalidPayload is returned when a binary payload is not valid base64.
var ErrInvalidPayload = errors.New("events: invalid base64 payload")

// ConnInfo describes the connection an event belongs to. Every field is
// captured when the connection is accepted and never changes afterwards.
type ConnInfo struct {
	UUID             string            `json:"uuid"`
	RemoteAddr       string            `json:"remoteAddr"`
	AcceptedProtocol string            `json:"acceptedProtocol"`
	HTTPFields       map[string]string `json:"httpFields"`
	Resource         string            `json:"resource"`
}

// short is the subset of ConnInfo sent with every event after onOpen.
type short struct {
	UUID       string `json:"uuid"`
	RemoteAddr string `json:"remoteAddr"`
}

// Event is one notification for the host.
//
// Which fields are meaningful depends on Action:
//
//	onStart, onStop  Addr, Port
//	onFailure        Addr, Port, Reason
//	onOpen           Conn
//	onMessage        Conn, Msg, IsBinary
//	onClose          Conn, Code, Reason, WasClean
//	onError          Conn, Reason
//
// Binary messages carry their bytes base64-encoded in Msg.
type Event struct {
	Action   Action
	Addr     string
	Port     int
	Reason   string
	Conn     *ConnInfo
	Msg      string
	IsBinary bool
	Code     int
	WasClean bool
}

// Started reports that the server is listening.
func Started(addr string, port int) Event {
	return Event{Action: ActionStart, Addr: addr, Port: port}
}

// Stopped reports that the server stopped after a Stop request.
func Stopped(addr string, port int) Event {
	return Event{Action: ActionStop, Addr: addr, Port: port}
}

// Failed reports that the server could not start or stopped unexpectedly.
func Failed(addr string, port int, reason string) Event {
	return Event{Action: ActionFailure, Addr: addr, Port: port, Reason: reason}
}

// Opened reports a newly accepted connection.
func Opened(conn ConnInfo) Event {
	return Event{Action: ActionOpen, Conn: &conn}
}

// Message reports an inbound message. Binary data is base64-encoded.
func Message(conn ConnInfo, data []byte, binary bool) Event {
	e := Event{Action: ActionMessage, Conn: &conn, IsBinary: binary}
	if binary {
		e.Msg = base64.StdEncoding.EncodeToString(data)
	} else {
		e.Msg = string(data)
	}
	return e
}

// Closed reports that a connection has ended. It is the last event for conn.
func Closed(conn ConnInfo, code int, reason string, wasClean bool) Event {
	return Event{Action: ActionClose, Conn: &conn, Code: code, Reason: reason, WasClean: wasClean}
}

// Errored reports a transport fault on a connection.
func Errored(conn ConnInfo, reason string) Event {
	return Event{Action: ActionError, Conn: &conn, Reason: reason}
}

// ConnID returns the connection identifier, or "" for server-level events.
func (e Event) ConnID() string {
	if e.Conn == nil {
		return ""
	}
	return e.Conn.UUID
}

// Terminal reports whether e ends a server run.
func (e Event) Terminal() bool {
	return e.Action == ActionStop || e.Action == ActionFailure
}

// Bytes returns the message payload, decoding base64 for binary messages.
func (e Event) Bytes() ([]byte, error) {
	if !e.IsBinary {
		return []byte(e.Msg), nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func (e Event) String() string {
	switch {
	case e.Conn != nil && e.Reason != "":
		return fmt.Sprintf("%s[%s] %s", e.Action, e.Conn.UUID, e.Reason)
	case e.Conn != nil:
		return fmt.Sprintf("%s[%s]", e.Action, e.Conn.UUID)
	case e.Reason != "":
		return fmt.Sprintf("%s %s:%d %s", e.Action, e.Addr, e.Port, e.Reason)
	default:
		return fmt.Sprintf("%s %s:%d", e.Action, e.Addr, e.Port)
	}
}

// MarshalJSON encodes only the fields that belong to the event's action.
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{"action": e.Action}

	switch e.Action {
	case ActionStart, ActionStop:
		m["addr"] = e.Addr
		m["port"] = e.Port
	case ActionFailure:
		m["addr"] = e.Addr
		m["port"] = e.Port
		m["reason"] = e.Reason
	case ActionOpen:
		if e.Conn != nil {
			c := *e.Conn
			if c.HTTPFields == nil {
				c.HTTPFields = map[string]string{}
			}
			m["conn"] = c
		}
	case ActionMessage:
		m["conn"] = e.shortConn()
		m["msg"] = e.Msg
		m["isBinary"] = e.IsBinary
	case ActionClose:
		m["conn"] = e.shortConn()
		m["code"] = e.Code
		m["reason"] = e.Reason
		m["wasClean"] = e.WasClean
	case ActionError:
		m["conn"] = e.shortConn()
		m["reason"] = e.Reason
	default:
		return nil, fmt.Errorf("events: unknown action %q", e.Action)
	}

	return json.Marshal(m)
}

// UnmarshalJSON decodes an event produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		Action   Action    `json:"action"`
		Addr     string    `json:"addr"`
		Port     int       `json:"port"`
		Reason   string    `json:"reason"`
		Conn     *ConnInfo `json:"conn"`
		Msg      string    `json:"msg"`
		IsBinary bool      `json:"isBinary"`
		Code     int       `json:"code"`
		WasClean bool      `json:"wasClean"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Action:   w.Action,
		Addr:     w.Addr,
		Port:     w.Port,
		Reason:   w.Reason,
		Conn:     w.Conn,
		Msg:      w.Msg,
		IsBinary: w.IsBinary,
		Code:     w.Code,
		WasClean: w.WasClean,
	}
	return nil
}

func (e Event) shortConn() any {
	if e.Conn == nil {
		return nil
	}
	return short{UUID: e.Conn.UUID, RemoteAddr: e.Conn.RemoteAddr}
}

// Payload is an outbound message as hosts submit it: text, or base64 when
// Binary is set.
type Payload struct {
	Data   string
	Binary bool
}

// Text builds a text payload.
func Text(s string) Payload {
	return Payload{Data: s}
}

// Binary builds a binary payload from raw bytes.
func Binary(b []byte) Payload {
	return Payload{Data: base64.StdEncoding.EncodeToString(b), Binary: true}
}

// Bytes returns the bytes to put on the wire.
func (p Payload) Bytes() ([]byte, error) {
	if !p.Binary {
		return []byte(p.Data), nil
	}
	b, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}
