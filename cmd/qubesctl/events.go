package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// newEventsCmd implements `qubesctl events`: a long-lived call to
// admin.Events, printing one line per event frame until interrupted or
// until the daemon closes the stream — mirroring the reference CLI's own
// `lxc monitor`.
func newEventsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return g.client().Stream(ctx, "admin.Events", "", "dom0", func(frame []byte) error {
				fields := strings.Split(strings.TrimSuffix(string(frame), "\x00"), "\x00")
				if len(fields) < 2 {
					return nil
				}
				subject, name := fields[0], fields[1]
				var kv []string
				for i := 2; i+1 < len(fields); i += 2 {
					kv = append(kv, fields[i]+"="+fields[i+1])
				}
				fmt.Printf("%s: %s %s\n", subject, name, strings.Join(kv, " "))
				return nil
			})
		},
	}
}
