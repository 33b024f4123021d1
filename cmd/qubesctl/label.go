package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLabelCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "label", Short: "Manage labels"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := g.client().Call(context.Background(), "admin.label.List", "", "dom0", nil)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimRight(string(payload), "\n"))
			return nil
		},
	})
	return cmd
}
