// Command qubesctl is the thin CLI wrapper over the Admin API described
// in spec §6: every subcommand is mechanical over a single client.Call,
// matching the reference CLI's own relationship to its daemon (lxc is a
// wrapper around lxd's REST client; qubesctl is a wrapper around
// qubesd's Unix-socket RPC client).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openqube/qubesd/internal/client"
)

type globalFlags struct {
	socketPath string
}

func main() {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "qubesctl",
		Short:         "Command-line client for qubesd, the qube management daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.socketPath, "socket", "/var/run/qubesd.sock", "admin API socket path")

	root.AddCommand(
		newVMCmd(g),
		newPropertyCmd(g),
		newTagCmd(g),
		newFeatureCmd(g),
		newDeviceCmd(g),
		newLabelCmd(g),
		newEventsCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.socketPath)
}
