package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"go.uber.org/zap"
)

// ServeHTTP handles a WebSocket upgrade request. Requests rejected by the
// handshake policy get a 4xx response and produce no events.
func (r *run) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	remoteAddr := remoteHost(req.RemoteAddr)
	logUpgradeRequest(req, remoteAddr)

	if !websocket.IsWebSocketUpgrade(req) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	decision := r.policy.Evaluate(req)
	reason := ""
	if decision.Err != nil {
		reason = decision.Err.Error()
	}
	logging.LogHandshake(remoteAddr, decision.Origin, decision.Requested, decision.Accepted, decision.Subprotocol, reason)
	if !decision.Accepted {
		http.Error(w, http.StatusText(decision.Status), decision.Status)
		return
	}

	if !r.enter() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	defer r.leave()

	ws, err := r.upgrader.Upgrade(w, req, decision.ResponseHeader())
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		logging.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}

	info := events.ConnInfo{
		RemoteAddr:       remoteAddr,
		AcceptedProtocol: ws.Subprotocol(),
		HTTPFields:       flattenHeaders(req.Header),
		Resource:         req.URL.RequestURI(),
	}
	r.handle(ws, info)
}

// remoteHost strips the port from a peer address.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// flattenHeaders joins multi-valued headers with ", ".
func flattenHeaders(h http.Header) map[string]string {
	fields := make(map[string]string, len(h))
	for key, values := range h {
		fields[key] = strings.Join(values, ", ")
	}
	return fields
}

// logUpgradeRequest logs the WebSocket-relevant parts of a request at debug level.
func logUpgradeRequest(req *http.Request, remoteAddr string) {
	logging.Debug("WebSocket upgrade request details",
		zap.String("remote_addr", remoteAddr),
		zap.String("method", req.Method),
		zap.String("resource", req.URL.RequestURI()),
		zap.String("host", req.Host),
		zap.String("origin", req.Header.Get("Origin")),
		zap.String("sec_websocket_version", req.Header.Get("Sec-WebSocket-Version")),
		zap.String("sec_websocket_protocol", req.Header.Get("Sec-WebSocket-Protocol")),
		zap.String("user_agent", req.Header.Get("User-Agent")),
	)
}
