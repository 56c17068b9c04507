package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Peer represents a WebSocket server discovered on the network
type Peer struct {
	// Instance is the advertised instance name (e.g., "wsserver-lab")
	Instance string

	// Hostname is the mDNS hostname (e.g., "lab-pi.local.")
	Hostname string

	// IP is the preferred address, IPv4 when available
	IP string

	// Port is the WebSocket port
	Port int

	// Metadata contains the TXT record data
	// Common fields: "path=/", "protocols=chat.v2,chat.v1", "version=1.2.0"
	Metadata map[string]string

	// DiscoveredAt is when the peer was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the peer
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s) at %s", p.Instance, p.Hostname, net.JoinHostPort(p.IP, strconv.Itoa(p.Port)))
}

// URL returns the ws:// URL of the peer, including the advertised path.
func (p *Peer) URL() string {
	path := p.GetMetadata("path")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(p.IP, strconv.Itoa(p.Port)), path)
}

// Protocols returns the advertised subprotocols, if any.
func (p *Peer) Protocols() []string {
	raw := p.GetMetadata("protocols")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (p *Peer) GetMetadata(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata[key]
}
