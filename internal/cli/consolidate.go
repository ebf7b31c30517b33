package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"memgov/internal/node"
)

func newConsolidateCmd(a *app) *cobra.Command {
	var scoring string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge duplicate indexed entries, rescore and evict to capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				report, err := n.Consolidate(ctx, scoring)
				if err != nil {
					return err
				}
				return a.render(cmd, report, func(w io.Writer) {
					fmt.Fprintf(w, "groups %d, merged %d, rescored %d, evicted %d, indexed %d -> %d\n",
						report.Groups, report.Merged, report.Rescored, report.Evicted, report.Before, report.After)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&scoring, "scoring", "s", "", "Scoring strategy: keep, decay or access (default from config)")
	return cmd
}
