package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/muurk/wsserver/internal/logging"
	"go.uber.org/zap"
)

const (
	// ServiceType is the mDNS service type wsserver instances advertise
	ServiceType = "_ws._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for peer discovery
	DefaultScanTimeout = 5 * time.Second
)

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
	once   sync.Once
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a == nil {
		return
	}
	a.once.Do(a.server.Shutdown)
}

// Advertise publishes a server on port under instance. TXT records are built
// from metadata in sorted key order.
func Advertise(instance string, port int, metadata map[string]string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txtRecords(metadata), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logging.Info("Advertising via mDNS",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", port),
	)
	return &Advertisement{server: server}, nil
}

// Browser handles mDNS peer discovery
type Browser struct {
	// Timeout is the maximum time to wait for peers
	Timeout time.Duration
}

// NewBrowser creates a new mDNS browser with default settings
func NewBrowser() *Browser {
	return &Browser{
		Timeout: DefaultScanTimeout,
	}
}

// ScanForPeers collects every peer that answers within the timeout.
func (b *Browser) ScanForPeers(ctx context.Context) ([]*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)

	var (
		mu    sync.Mutex
		peers = make(map[string]*Peer)
	)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			if peer := parseServiceEntry(entry); peer != nil {
				mu.Lock()
				peers[peer.Instance] = peer
				mu.Unlock()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return sortedPeers(peers), nil
}

// WaitForPeer waits for a specific instance name
func (b *Browser) WaitForPeer(ctx context.Context, instance string) (*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	peerChan := make(chan *Peer, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			peer := parseServiceEntry(entry)
			if peer != nil && peer.Instance == instance {
				peerChan <- peer
				cancel()
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case peer := <-peerChan:
		return peer, nil
	case <-ctx.Done():
		select {
		case peer := <-peerChan:
			return peer, nil
		default:
		}
		return nil, fmt.Errorf("peer %s not found within timeout", instance)
	}
}

// parseServiceEntry converts a zeroconf service entry to a Peer
// Returns nil if the entry has no usable address
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Peer {
	if entry == nil || entry.Instance == "" {
		return nil
	}

	// Get IP address (prefer IPv4)
	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}

	// Fallback to IPv6 if no IPv4
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}

	if ip == "" || entry.Port == 0 {
		return nil
	}

	return &Peer{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     parseTXT(entry.Text),
		DiscoveredAt: time.Now(),
	}
}

// parseTXT parses "key=value" records; a bare key maps to "".
func parseTXT(records []string) map[string]string {
	metadata := make(map[string]string, len(records))
	for _, txt := range records {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}
	return metadata
}

func txtRecords(metadata map[string]string) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+metadata[k])
	}
	return records
}

func sortedPeers(peers map[string]*Peer) []*Peer {
	out := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
