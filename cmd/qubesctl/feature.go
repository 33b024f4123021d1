package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newFeatureCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "feature", Short: "Manage qube features"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <name>",
			Short: "List a qube's feature keys",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.feature.List", "", args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(strings.TrimRight(string(payload), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <name> <key>",
			Short: "Print a feature's value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.feature.Get", args[1], args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name> <key> <value>",
			Short: "Set a feature",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.feature.Set", args[1], args[0], []byte(args[2]))
				return err
			},
		},
		&cobra.Command{
			Use:   "remove <name> <key>",
			Short: "Remove a feature",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.feature.Remove", args[1], args[0], nil)
				return err
			},
		},
	)
	return cmd
}
