package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fvbommel/sortorder"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newVMCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "vm", Short: "Manage qubes"}
	cmd.AddCommand(
		newVMListCmd(g),
		newVMCreateCmd(g),
		newVMRemoveCmd(g),
		newVMStartCmd(g),
		newVMShutdownCmd(g),
		newVMKillCmd(g),
		newVMPauseCmd(g),
		newVMUnpauseCmd(g),
		newVMStateCmd(g),
	)
	return cmd
}

// newVMListCmd implements `qubesctl vm list`, rendering admin.vm.List's
// "name class=... state=...\n" lines as a table, naturally sorted by
// name the way the reference CLI's own `lxc list` sorts instances.
func newVMListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all qubes",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := g.client().Call(context.Background(), "admin.vm.List", "", "dom0", nil)
			if err != nil {
				return err
			}

			type row struct{ name, class, state string }
			var rows []row
			for _, line := range strings.Split(strings.TrimRight(string(payload), "\n"), "\n") {
				if line == "" {
					continue
				}
				fields := strings.Fields(line)
				r := row{name: fields[0]}
				for _, f := range fields[1:] {
					k, v, _ := strings.Cut(f, "=")
					switch k {
					case "class":
						r.class = v
					case "state":
						r.state = v
					}
				}
				rows = append(rows, r)
			}
			sort.Slice(rows, func(i, j int) bool { return sortorder.NaturalLess(rows[i].name, rows[j].name) })

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "CLASS", "STATE"})
			table.SetAutoWrapText(false)
			for _, r := range rows {
				table.Append([]string{r.name, r.class, r.state})
			}
			table.Render()
			return nil
		},
	}
}

func newVMCreateCmd(g *globalFlags) *cobra.Command {
	var label, template string
	cmd := &cobra.Command{
		Use:   "create <class> <name>",
		Short: "Create a new qube",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b strings.Builder
			fmt.Fprintf(&b, "name=%s\n", args[1])
			if label != "" {
				fmt.Fprintf(&b, "label=%s\n", label)
			}
			if template != "" {
				fmt.Fprintf(&b, "template=%s\n", template)
			}
			_, err := g.client().Call(context.Background(), "admin.vm.Create", args[0], args[1], []byte(b.String()))
			return err
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label color name")
	cmd.Flags().StringVar(&template, "template", "", "template qube name")
	return cmd
}

func newVMRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a halted qube",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := g.client().Call(context.Background(), "admin.vm.Remove", "", args[0], nil)
			return err
		},
	}
}

func simpleLifecycleCmd(use, short, method string, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := g.client().Call(context.Background(), method, "", args[0], nil)
			return err
		},
	}
}

func newVMStartCmd(g *globalFlags) *cobra.Command {
	return simpleLifecycleCmd("start", "Start a qube", "admin.vm.Start", g)
}

func newVMShutdownCmd(g *globalFlags) *cobra.Command {
	return simpleLifecycleCmd("shutdown", "Shut down a running qube", "admin.vm.Shutdown", g)
}

func newVMKillCmd(g *globalFlags) *cobra.Command {
	return simpleLifecycleCmd("kill", "Forcibly kill a qube", "admin.vm.Kill", g)
}

func newVMPauseCmd(g *globalFlags) *cobra.Command {
	return simpleLifecycleCmd("pause", "Pause a running qube", "admin.vm.Pause", g)
}

func newVMUnpauseCmd(g *globalFlags) *cobra.Command {
	return simpleLifecycleCmd("unpause", "Resume a paused qube", "admin.vm.Unpause", g)
}

func newVMStateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state <name>",
		Short: "Print a qube's current power state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := g.client().Call(context.Background(), "admin.vm.CurrentState", "", args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}
}
