// Package policy decides whether a WebSocket upgrade request is accepted and
// which subprotocol, if any, is echoed back to the client.
package policy

import (
	"errors"
	"net/http"
	"slices"
	"strings"
)

// AnyOrigin in the origins list disables the origin check.
const AnyOrigin = "*"

var (
	// ErrOriginRejected is returned when allowed origins are configured and the
	// request's Origin header is missing or not one of them.
	ErrOriginRejected = errors.New("policy: origin not allowed")

	// ErrSubprotocolRejected is returned when allowed subprotocols are configured
	// and none of the client's requested protocols is allowed.
	ErrSubprotocolRejected = errors.New("policy: no acceptable subprotocol")
)

// Policy holds the origin and subprotocol restrictions for one server run.
// A Policy is immutable after New and safe for concurrent use.
type Policy struct {
	origins   []string
	protocols []string
}

// Decision is the outcome of evaluating one upgrade request.
type Decision struct {
	Accepted    bool
	Subprotocol string // empty when no subprotocol is negotiated
	Status      int    // HTTP status to reply with when rejected
	Err         error  // ErrOriginRejected or ErrSubprotocolRejected when rejected
	Origin      string
	Requested   []string
}

// New creates a policy. A nil or empty list means "no restriction" for that
// dimension, and so does an origins list containing AnyOrigin. The protocols
// list is kept in order, but client order decides which protocol is selected.
func New(origins, protocols []string) *Policy {
	p := &Policy{}
	if len(origins) > 0 && !slices.Contains(origins, AnyOrigin) {
		p.origins = slices.Clone(origins)
	}
	if len(protocols) > 0 {
		p.protocols = slices.Clone(protocols)
	}
	return p
}

// Origins returns the configured origins, or nil when all are allowed.
func (p *Policy) Origins() []string {
	return slices.Clone(p.origins)
}

// Protocols returns the configured subprotocols, or nil when unrestricted.
func (p *Policy) Protocols() []string {
	return slices.Clone(p.protocols)
}

// RestrictsOrigins reports whether an origin allow-list is configured.
func (p *Policy) RestrictsOrigins() bool {
	return p.origins != nil
}

// RestrictsProtocols reports whether a subprotocol allow-list is configured.
func (p *Policy) RestrictsProtocols() bool {
	return p.protocols != nil
}

// CheckOrigin validates the Origin header value. present must be false when
// the request carried no Origin header at all.
func (p *Policy) CheckOrigin(origin string, present bool) error {
	if p.origins == nil {
		return nil
	}
	if !present || !slices.Contains(p.origins, origin) {
		return ErrOriginRejected
	}
	return nil
}

// SelectSubprotocol returns the first entry of requested that is also allowed.
// Without a configured list it returns "" and accepts. With a configured list
// an empty request can never match and is rejected.
func (p *Policy) SelectSubprotocol(requested []string) (string, error) {
	if p.protocols == nil {
		return "", nil
	}
	for _, proto := range requested {
		if proto != "" && slices.Contains(p.protocols, proto) {
			return proto, nil
		}
	}
	return "", ErrSubprotocolRejected
}

// Evaluate applies the origin check and then subprotocol negotiation to r.
func (p *Policy) Evaluate(r *http.Request) Decision {
	origins, present := r.Header[http.CanonicalHeaderKey("Origin")]
	origin := ""
	if present && len(origins) > 0 {
		origin = origins[0]
	}
	present = present && len(origins) > 0

	d := Decision{
		Origin:    origin,
		Requested: requestedSubprotocols(r),
	}

	if err := p.CheckOrigin(origin, present); err != nil {
		d.Status = http.StatusForbidden
		d.Err = err
		return d
	}

	proto, err := p.SelectSubprotocol(d.Requested)
	if err != nil {
		d.Status = http.StatusBadRequest
		d.Err = err
		return d
	}

	d.Accepted = true
	d.Subprotocol = proto
	return d
}

// requestedSubprotocols collects the comma separated entries of every
// Sec-WebSocket-Protocol header line, in order. Empty entries are dropped.
func requestedSubprotocols(r *http.Request) []string {
	var out []string
	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(line, ",") {
			if proto = strings.TrimSpace(proto); proto != "" {
				out = append(out, proto)
			}
		}
	}
	return out
}

// ResponseHeader returns the header to pass to the upgrader so the selected
// subprotocol is echoed back. It returns nil when nothing was selected.
func (d Decision) ResponseHeader() http.Header {
	if d.Subprotocol == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Sec-WebSocket-Protocol", d.Subprotocol)
	return h
}
