package cli

import (
	"fmt"
	"io"

	"github.com/privacydam/deploy/internal/engine"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Output the dependency graph in DOT format",
	Long: `Prints the resource dependency graph of the assembled deployment in
Graphviz DOT format:

  privacydam graph | dot -Tpng > graph.png`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, _, err := synthesize(cmd.Context())
	if err != nil {
		return err
	}
	return writeDOT(cmd.OutOrStdout(), cfg)
}

// writeDOT prints nodes in declaration order with an edge from each
// resource to every resource it depends on.
func writeDOT(w io.Writer, cfg *ir.Config) error {
	dag, err := engine.BuildDAG(cfg.Resources)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	fmt.Fprintln(w, "digraph privacydam {")
	fmt.Fprintln(w, `  rankdir = "BT";`)
	fmt.Fprintln(w, "  node [shape = rect];")
	fmt.Fprintln(w)
	for _, res := range cfg.Resources {
		fmt.Fprintf(w, "  %q;\n", engine.ResourceAddr(res))
	}
	fmt.Fprintln(w)
	for _, res := range cfg.Resources {
		addr := engine.ResourceAddr(res)
		for _, dep := range dag.Dependencies(addr) {
			fmt.Fprintf(w, "  %q -> %q;\n", addr, dep)
		}
	}
	fmt.Fprintln(w, "}")
	return nil
}
