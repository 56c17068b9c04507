// Package netif lists the addresses a server can be reached on.
package netif

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Addresses holds the unique addresses of one interface in the order the
// operating system reports them.
type Addresses struct {
	IPv4 []string `json:"ipv4"`
	IPv6 []string `json:"ipv6"`
}

// Interfaces returns the addresses of every non-loopback interface that has
// at least one address, keyed by interface name.
func Interfaces(ctx context.Context) (map[string]Addresses, error) {
	list, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	return Collect(list), nil
}

// Collect groups the addresses of list by interface.
func Collect(list psnet.InterfaceStatList) map[string]Addresses {
	result := make(map[string]Addresses)

	for _, iface := range list {
		if isLoopback(iface) {
			continue
		}

		addrs := result[iface.Name]
		for _, a := range iface.Addrs {
			ip, ok := parseAddr(a.Addr)
			if !ok || ip.IsLoopback() {
				continue
			}
			s := ip.String()
			if ip.Is4() {
				if !slices.Contains(addrs.IPv4, s) {
					addrs.IPv4 = append(addrs.IPv4, s)
				}
			} else if !slices.Contains(addrs.IPv6, s) {
				addrs.IPv6 = append(addrs.IPv6, s)
			}
		}

		if len(addrs.IPv4) > 0 || len(addrs.IPv6) > 0 {
			result[iface.Name] = addrs
		}
	}

	return result
}

// IPv4 returns every IPv4 address across interfaces, sorted by interface name.
func IPv4(ifaces map[string]Addresses) []string {
	names := make([]string, 0, len(ifaces))
	for name := range ifaces {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []string
	for _, name := range names {
		for _, a := range ifaces[name].IPv4 {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

func isLoopback(iface psnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if strings.EqualFold(f, "loopback") {
			return true
		}
	}
	return false
}

// parseAddr accepts "addr" or "addr/prefix". Zones are dropped.
func parseAddr(s string) (netip.Addr, bool) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Addr().WithZone("").Unmap(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
