package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"memgov/internal/access"
	"memgov/internal/node"
)

type defensiveStatus struct {
	access.DefensiveState
	Violations []access.Violation `json:"violations"`
}

func newDefensiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defensive",
		Short: "Inspect or clear defensive mode",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show defensive mode and the violation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				ctrl := n.Store().Controller()
				st := defensiveStatus{DefensiveState: ctrl.DefensiveStatus(), Violations: ctrl.Violations()}
				return a.render(cmd, st, func(w io.Writer) {
					if st.Active {
						fmt.Fprintf(w, "defensive mode ACTIVE since %s (rule %s)\n", st.Since.Format("2006-01-02T15:04:05Z07:00"), st.Rule)
					} else {
						fmt.Fprintln(w, "defensive mode inactive")
					}
					for _, v := range st.Violations {
						fmt.Fprintf(w, "  %s %s %s\n", v.At.Format("15:04:05"), v.Op, v.Rule)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Leave defensive mode and reset the violation streak",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				was := n.Store().ClearDefensiveMode(ctx)
				res := map[string]interface{}{"cleared": was}
				return a.render(cmd, res, func(w io.Writer) {
					if was {
						fmt.Fprintln(w, "defensive mode cleared")
					} else {
						fmt.Fprintln(w, "defensive mode was not active")
					}
				})
			})
		},
	})
	return cmd
}
