// Package discovery advertises wsserver instances over mDNS and finds other
// instances on the local network.
//
// Instances register under the "_ws._tcp" service type. TXT records carry
// the resource path, the accepted subprotocols and the server version.
//
// # Usage Example
//
//	ad, err := discovery.Advertise("lab", 8080, map[string]string{
//	    "path":      "/",
//	    "protocols": "chat.v2,chat.v1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ad.Shutdown()
//
//	peers, err := discovery.NewBrowser().ScanForPeers(ctx)
//	for _, p := range peers {
//	    fmt.Println(p.Instance, p.URL())
//	}
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Peers must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
