package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDeviceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage device assignments"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <name> <class>",
			Short: "List assignments of a device class",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.device.List", args[1], args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(strings.TrimRight(string(payload), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "attach <name> <class> <backend_qube> <ident>",
			Short: "Attach a device to a qube",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload := fmt.Sprintf("%s %s", args[2], args[3])
				_, err := g.client().Call(context.Background(), "admin.vm.device.Attach", args[1], args[0], []byte(payload))
				return err
			},
		},
		&cobra.Command{
			Use:   "detach <name> <class> <backend_qube> <ident>",
			Short: "Detach a device from a qube",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload := fmt.Sprintf("%s %s", args[2], args[3])
				_, err := g.client().Call(context.Background(), "admin.vm.device.Detach", args[1], args[0], []byte(payload))
				return err
			},
		},
	)
	return cmd
}
