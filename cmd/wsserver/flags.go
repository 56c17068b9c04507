package main

import (
	"github.com/spf13/pflag"

	"github.com/muurk/wsserver/internal/config"
)

// addServerFlags registers the flags shared by serve, bridge and monitor.
// Names match config.FlagKeys so Load can bind them; defaults come from
// config.NewSettings and only apply when a flag is given.
func addServerFlags(fs *pflag.FlagSet) {
	d := config.NewSettings()
	fs.String("host", d.Server.Host, "Interface to listen on (empty = all interfaces)")
	fs.Int("port", d.Server.Port, "Port to listen on (0 = ephemeral)")
	fs.StringSlice("origin", nil, "Allowed Origin (repeatable; \"*\" or none allows all)")
	fs.StringSlice("protocol", nil, "Supported subprotocol (repeatable)")
	fs.Bool("tcp-nodelay", false, "Set TCP_NODELAY on accepted sockets")
	fs.Int64("read-limit", d.Server.ReadLimit, "Maximum inbound message size in bytes (0 = unlimited)")
	fs.Duration("ping-interval", d.Server.PingInterval.Std(), "Heartbeat ping interval (0 disables)")
	fs.String("capture-dir", "", "Directory for JSONL message captures")
}

// addDiscoveryFlags registers the mDNS advertising flags.
func addDiscoveryFlags(fs *pflag.FlagSet) {
	fs.Bool("advertise", false, "Advertise the server via mDNS")
	fs.String("instance", "", "mDNS instance name (default: wsserver-<hostname>)")
}
