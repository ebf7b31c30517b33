// Package cli implements the memgov command line. Every invocation opens the
// node from its data directory, runs one operation and checkpoints on exit.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"memgov/internal/node"
	"memgov/pkg/config"
)

const (
	formatJSON = "json"
	formatText = "text"
)

type app struct {
	configPath string
	dataDir    string
	format     string
	verbose    bool
}

// NewRootCmd builds the top-level command.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "memgov",
		Short:         "Bounded, access-controlled resource store",
		Long:          "memgov keeps a small ring of recent entries and a capacity-limited importance index, gated by access rules and a fail-closed defensive mode.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch a.format {
			case formatJSON, formatText:
				return nil
			}
			return errors.Newf("--format must be json or text, got %q", a.format)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "memgov.yaml", "Path to configuration file")
	root.PersistentFlags().StringVarP(&a.dataDir, "data-dir", "d", "", "Data directory; enables persistence")
	root.PersistentFlags().StringVarP(&a.format, "format", "f", formatJSON, "Output format: json or text")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log to the console")

	root.AddCommand(
		newStoreCmd(a),
		newRetrieveCmd(a),
		newRemoveCmd(a),
		newConsolidateCmd(a),
		newStatsCmd(a),
		newDefensiveCmd(a),
	)
	return root
}

// Execute runs the CLI and reports any error on stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(stderr, "hint: %s\n", hint)
		}
		return err
	}
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.Node.DataDir = a.dataDir
		cfg.Persistence.DataDir = a.dataDir
		cfg.Persistence.Enabled = true
	}
	if !a.verbose {
		cfg.Logging.EnableConsole = false
	}
	// One-shot invocations consolidate on demand only.
	cfg.Consolidation.Interval = 0
	return cfg, nil
}

// withNode opens the node, runs fn and closes the node, checkpointing any
// persisted state.
func (a *app) withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) (err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	n, err := node.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := n.Close(ctx); cerr != nil {
			err = errors.CombineErrors(err, cerr)
		}
	}()
	return fn(ctx, n)
}

// render writes v as indented JSON, or calls text for the text format.
func (a *app) render(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.format == formatText {
		text(w)
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
