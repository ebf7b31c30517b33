package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"memgov/internal/node"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store, access and persistence counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				stats := n.Stats()
				b := n.Store().Bounds()
				return a.render(cmd, stats, func(w io.Writer) {
					fmt.Fprintf(w, "node       %s\n", stats.NodeID)
					fmt.Fprintf(w, "recent     %d/%d\n", stats.Store.RecentLen, b.MaxRecent)
					fmt.Fprintf(w, "indexed    %d/%d\n", stats.Store.IndexedLen, b.MaxIndexed)
					fmt.Fprintf(w, "defensive  %t\n", stats.Defensive.Active)
					fmt.Fprintf(w, "window     %d/%d\n", stats.RateWindow.Used, stats.RateWindow.Limit)
					for rule, count := range stats.Violations {
						fmt.Fprintf(w, "violation  %s=%d\n", rule, count)
					}
					if stats.Persistence != nil {
						fmt.Fprintf(w, "recovered  %d\n", stats.Persistence.Recovered)
					}
				})
			})
		},
	}
}
