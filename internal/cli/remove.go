package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"memgov/internal/node"
	"memgov/internal/storage"
)

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an entry; unknown ids are a no-op",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid id %q", args[0])
			}
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				removed := n.Store().Remove(ctx, storage.EntryID(id))
				res := map[string]interface{}{"id": id, "removed": removed}
				return a.render(cmd, res, func(w io.Writer) {
					if removed {
						fmt.Fprintf(w, "removed %d\n", id)
					} else {
						fmt.Fprintf(w, "%d not found\n", id)
					}
				})
			})
		},
	}
}
