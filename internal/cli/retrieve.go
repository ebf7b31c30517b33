package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"memgov/internal/node"
	"memgov/internal/storage"
)

type entryView struct {
	ID          uint64    `json:"id"`
	Payload     string    `json:"payload"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount uint64    `json:"access_count"`
}

func newEntryView(e storage.Entry) entryView {
	return entryView{
		ID:          uint64(e.ID),
		Payload:     string(e.Payload),
		Importance:  e.Importance,
		CreatedAt:   e.CreatedAt,
		AccessCount: e.AccessCount,
	}
}

func newRetrieveCmd(a *app) *cobra.Command {
	var (
		maxResults    int
		payload       string
		minImportance float64
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve entries, recent first, then by importance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.Query{MaxResults: maxResults, MinImportance: minImportance}
			if cmd.Flags().Changed("payload") {
				q.Payload = []byte(payload)
			}
			return a.withNode(cmd, func(ctx context.Context, n *node.Node) error {
				entries, err := n.Store().Retrieve(ctx, q)
				if err != nil {
					return errors.Wrap(err, "retrieve")
				}
				views := make([]entryView, len(entries))
				for i, e := range entries {
					views[i] = newEntryView(e)
				}
				return a.render(cmd, views, func(w io.Writer) {
					if len(views) == 0 {
						fmt.Fprintln(w, "no entries")
						return
					}
					for _, v := range views {
						fmt.Fprintf(w, "%d\t%.3f\t%d\t%s\n", v.ID, v.Importance, v.AccessCount, v.Payload)
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&maxResults, "max", "m", 0, "Maximum results (0 = recall depth)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Match this exact payload")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "Drop entries below this importance")
	return cmd
}
