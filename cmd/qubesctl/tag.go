package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTagCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "tag", Short: "Manage qube tags"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <name>",
			Short: "List a qube's tags",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := g.client().Call(context.Background(), "admin.vm.tag.List", "", args[0], nil)
				if err != nil {
					return err
				}
				fmt.Println(strings.TrimRight(string(payload), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name> <tag>",
			Short: "Add a tag",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.tag.Set", args[1], args[0], nil)
				return err
			},
		},
		&cobra.Command{
			Use:   "remove <name> <tag>",
			Short: "Remove a tag",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := g.client().Call(context.Background(), "admin.vm.tag.Remove", args[1], args[0], nil)
				return err
			},
		},
	)
	return cmd
}
