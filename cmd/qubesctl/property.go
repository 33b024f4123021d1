package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPropertyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "property", Short: "Get or set qube properties"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <name> <property>",
			Short: "Print a property's current value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.property.Get", args[1], args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name> <property> <value>",
			Short: "Set a property",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.property.Set", args[1], args[0], []byte(args[2]))
				return err
			},
		},
		&cobra.Command{
			Use:   "reset <name> <property>",
			Short: "Reset a property to its default",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.property.Reset", args[1], args[0], nil)
				return err
			},
		},
		&cobra.Command{
			Use:   "list <name>",
			Short: "List every settable property name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.property.List", "", args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(strings.TrimRight(string(payload), "\n"))
				return nil
			},
		},
	)
	return cmd
}
