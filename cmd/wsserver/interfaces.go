package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/wsserver/internal/netif"
	"github.com/muurk/wsserver/internal/ui"
)

var interfacesJSON bool

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List the addresses clients can reach this host on",
	Long: `List non-loopback interface addresses, grouped by interface.

The IPv4 addresses shown are the ones a peer on the local network would use
to connect to the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogging(); err != nil {
			return err
		}

		ifaces, err := netif.Interfaces(cmd.Context())
		if err != nil {
			return err
		}

		if interfacesJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ifaces)
		}

		printer := ui.NewPrinter(cmd.OutOrStdout())
		if len(ifaces) == 0 {
			printer.PrintResult(ui.NewWarningResult("No network interfaces with addresses"))
			return nil
		}

		names := make([]string, 0, len(ifaces))
		for name := range ifaces {
			names = append(names, name)
		}
		sort.Strings(names)

		result := ui.NewSuccessResult(fmt.Sprintf("%d interface(s)", len(names)))
		for _, name := range names {
			a := ifaces[name]
			addrs := append(append([]string{}, a.IPv4...), a.IPv6...)
			result.AddDetail(name, strings.Join(addrs, ", "))
		}
		printer.PrintResult(result)
		return nil
	},
}

func init() {
	interfacesCmd.Flags().BoolVar(&interfacesJSON, "json", false, "Print JSON")
}
