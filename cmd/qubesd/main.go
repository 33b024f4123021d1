// Command qubesd is the core management daemon described by this
// repository: it loads the persisted qube store, wires every
// subsystem package together through internal/daemon, binds the three
// management-API sockets, and runs until signalled — the same shape as
// the reference daemon's own lxd/main_daemon.go entrypoint (load,
// assemble, serve, wait for SIGTERM/SIGINT).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openqube/qubesd/internal/daemon"
	"github.com/openqube/qubesd/internal/logging"
)

func main() {
	cfg := daemon.DefaultConfig()
	var debug bool
	var useFakeHV bool

	root := &cobra.Command{
		Use:           "qubesd",
		Short:         "Core qube management daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetDebug(debug)
			cfg.UseFakeHypervisor = useFakeHV

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := d.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logging.Info("shutting down", nil)
			return d.Stop(30 * time.Second)
		},
	}

	root.Flags().StringVar(&cfg.StorePath, "store", cfg.StorePath, "path to the persisted qube store")
	root.Flags().StringVar(&cfg.AdminSocketPath, "admin-socket", cfg.AdminSocketPath, "Admin API socket path")
	root.Flags().StringVar(&cfg.InternalSocketPath, "internal-socket", cfg.InternalSocketPath, "Internal API socket path")
	root.Flags().StringVar(&cfg.MiscSocketPath, "misc-socket", cfg.MiscSocketPath, "Misc API socket path")
	root.Flags().StringVar(&cfg.PolicyDir, "policy-dir", cfg.PolicyDir, "qrexec policy directory")
	root.Flags().StringVar(&cfg.LibvirtURI, "libvirt-uri", "qemu:///system", "libvirt connection URI")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().BoolVar(&useFakeHV, "fake-hypervisor", false, "use the in-memory hypervisor adapter instead of libvirt")
	root.Flags().BoolVar(&cfg.DisableIdleBalance, "disable-balance", false, "disable the periodic memory balancer loop")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qubesd:", err)
		os.Exit(1)
	}
}
