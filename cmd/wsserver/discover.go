package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/wsserver/internal/discovery"
	"github.com/muurk/wsserver/internal/ui"
)

var (
	discoverJSON bool
	discoverWait string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find wsserver instances on the local network",
	Long: `Browse mDNS for servers advertising ` + discovery.ServiceType + `.

Servers started with --advertise answer with their address, path and
subprotocols. With --wait, return as soon as the named instance appears.`,
	Example: `  # Scan for 5 seconds (default)
  wsserver discover

  # Wait up to 20 seconds for one instance
  wsserver discover --wait wsserver-lab --timeout 20s`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().Duration("timeout", discovery.DefaultScanTimeout, "Scan timeout")
	discoverCmd.Flags().StringVar(&discoverWait, "wait", "", "Instance name to wait for")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print JSON")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	if err := initLogging(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	browser := discovery.NewBrowser()
	browser.Timeout = settings.Discovery.Timeout.Std()

	var peers []*discovery.Peer
	if discoverWait != "" {
		peer, err := browser.WaitForPeer(ctx, discoverWait)
		if err != nil {
			return err
		}
		peers = []*discovery.Peer{peer}
	} else {
		if !discoverJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s servers (timeout: %s)...\n\n", discovery.ServiceType, browser.Timeout)
		}
		var err error
		peers, err = browser.ScanForPeers(ctx)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	}

	if discoverJSON {
		out := make([]peerJSON, 0, len(peers))
		for _, p := range peers {
			out = append(out, toPeerJSON(p))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	printer := ui.NewPrinter(cmd.OutOrStdout())
	if len(peers) == 0 {
		printer.PrintResult(ui.NewFailureResult("No servers found", nil,
			"Start a server with 'wsserver serve --advertise'",
			"Check that multicast DNS is allowed on this network",
			"Try increasing --timeout for slower networks",
		))
		return nil
	}

	for _, p := range peers {
		r := ui.NewSuccessResult(p.Instance,
			ui.Param{Key: "URL", Value: p.URL()},
			ui.Param{Key: "Host", Value: p.Hostname},
		)
		if protos := p.Protocols(); len(protos) > 0 {
			r.AddDetail("Protocols", listOr(protos, ""))
		}
		if v := p.GetMetadata("version"); v != "" {
			r.AddDetail("Version", v)
		}
		printer.PrintResult(r)
	}
	return nil
}

type peerJSON struct {
	Instance  string            `json:"instance"`
	Hostname  string            `json:"hostname"`
	IP        string            `json:"ip"`
	Port      int               `json:"port"`
	URL       string            `json:"url"`
	Protocols []string          `json:"protocols,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toPeerJSON(p *discovery.Peer) peerJSON {
	return peerJSON{
		Instance:  p.Instance,
		Hostname:  p.Hostname,
		IP:        p.IP,
		Port:      p.Port,
		URL:       p.URL(),
		Protocols: p.Protocols(),
		Metadata:  p.Metadata,
	}
}
