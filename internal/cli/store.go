package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"memgov/internal/node"
)

type storeResult struct {
	ID         uint64  `json:"id"`
	Importance float64 `json:"importance"`
	Bytes      int     `json:"bytes"`
}

func newStoreCmd(a *app) *cobra.Command {
	var importance float64
	cmd := &cobra.Command{
		Use:   "store [payload]",
		Short: "Store an entry",
		Long:  "Store an entry. The payload is the positional argument or stdin when piped. Importance is clamped to the configured maximum.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				id, err := n.Store().Store(ctx, payload, importance)
				if err != nil {
					return errors.Wrap(err, "store")
				}
				e, _ := n.Store().Get(id)
				res := storeResult{ID: uint64(id), Importance: e.Importance, Bytes: len(payload)}
				return a.render(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "stored %d (importance %.3f, %d bytes)\n", res.ID, res.Importance, res.Bytes)
				})
			})
		},
	}
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance score")
	return cmd
}

// readPayload takes the positional argument, or stdin when it is not a
// terminal. An empty payload is passed through for the access rules to judge.
func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return nil, nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, errors.Wrap(err, "read stdin")
	}
	return []byte(strings.TrimRight(string(b), "\n")), nil
}
