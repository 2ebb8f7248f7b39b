package command

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/symgrad/gradient"
	"github.com/gomlx/symgrad/internal/graphdef"
	"github.com/gomlx/symgrad/internal/togomlx"
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
	"k8s.io/klog/v2"
)

// GradOptions holds the options of the grad command.
type GradOptions struct {
	// Output format: "tree" or "json".
	Output string

	// Aggregate is the gradient aggregation: "default" or "tree".
	Aggregate string

	// Mirror is empty (no mirroring), "all" or a comma-separated list of operator names to mirror.
	Mirror string

	// Eval evaluates the gradients with the values given in the graph definition.
	Eval bool
}

// NewGradCommand creates the "grad" subcommand.
func NewGradCommand() *cobra.Command {
	opts := &GradOptions{}
	cmd := &cobra.Command{
		Use:   "grad [options] FILE",
		Short: "Build the gradient graph of a YAML graph definition",
		Long: Highlight("symgrad grad [options] FILE") + "\n\n" +
			"Builds the graph of the gradients of the ys with respect to the xs declared in FILE,\n" +
			"and prints it. With --eval, it also evaluates the gradients using the variable values\n" +
			"declared in FILE.\n",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunGrad(cmd.OutOrStdout(), args[0], *opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "tree", "Output format. One of: (tree | json)")
	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "default", "Gradient aggregation. One of: (default | tree)")
	cmd.Flags().StringVar(&opts.Mirror, "mirror", "", `Operators whose nodes are mirrored: "all" or a comma-separated list`)
	cmd.Flags().BoolVar(&opts.Eval, "eval", false, "Evaluate the gradients with the values in the graph definition")
	return cmd
}

// RunGrad loads the graph definition in filePath, runs the gradient pass and writes the result to w.
func RunGrad(w io.Writer, filePath string, opts GradOptions) error {
	reg := ops.New()
	def, err := graphdef.Load(filePath, reg)
	if err != nil {
		return err
	}
	switch opts.Aggregate {
	case "", "default":
	case "tree":
		def.Graph.SetAttr(gradient.AttrAggregateFun, gradient.TreeAggregate(reg))
	default:
		return errors.Errorf("invalid --aggregate=%q, valid values are \"default\" or \"tree\"", opts.Aggregate)
	}
	if opts.Mirror != "" {
		mirrorFn, err := parseMirror(reg, opts.Mirror)
		if err != nil {
			return err
		}
		def.Graph.SetAttr(gradient.AttrMirrorFun, mirrorFn)
	}

	passes := ir.NewPassRegistry()
	gradient.Register(passes, reg)
	result, err := passes.Apply(def.Graph, gradient.PassName)
	if err != nil {
		return err
	}
	klog.V(1).Infof("gradient graph:\n%s", result)

	switch opts.Output {
	case "", "tree":
		_, err = fmt.Fprint(w, RenderTree(result, def.Xs))
	case "json":
		var contents []byte
		contents, err = graphdef.ToJSON(result)
		if err == nil {
			_, err = fmt.Fprintf(w, "%s\n", contents)
		}
	default:
		return errors.Errorf("invalid --output=%q, valid values are \"tree\" or \"json\"", opts.Output)
	}
	if err != nil {
		return errors.Wrap(err, "failed to write output")
	}

	if opts.Eval {
		return evaluate(w, def, result)
	}
	return nil
}

// parseMirror converts the --mirror flag to a gradient.MirrorFunc.
func parseMirror(reg *ir.Registry, mirror string) (gradient.MirrorFunc, error) {
	if mirror == "all" {
		return gradient.MirrorAll(), nil
	}
	opNames := strings.Split(mirror, ",")
	for ii, name := range opNames {
		opNames[ii] = strings.TrimSpace(name)
		if reg.Lookup(opNames[ii]) == nil {
			return nil, errors.Errorf("invalid --mirror: unknown operator %q", opNames[ii])
		}
	}
	return gradient.MirrorOps(opNames...), nil
}

// evaluate the gradients in result and writes their values to w.
func evaluate(w io.Writer, def *graphdef.Definition, result *ir.Graph) error {
	backend, err := simplego.New("")
	if err != nil {
		return errors.WithMessage(err, "failed to create backend for evaluation")
	}
	defer backend.Finalize()
	values, err := togomlx.Evaluate(backend, dtypes.Float64, result.Outputs, def.Values)
	if err != nil {
		return err
	}
	for ii, value := range values {
		if _, err = fmt.Fprintf(w, "%s = %s\n", gradLabel(def.Xs[ii]), value); err != nil {
			return errors.Wrap(err, "failed to write output")
		}
	}
	return nil
}

// gradLabel returns the label of the gradient with respect to x.
func gradLabel(x ir.NodeEntry) string {
	if x.Index == 0 {
		return "d/d" + x.Node.Name
	}
	return fmt.Sprintf("d/d%s:%d", x.Node.Name, x.Index)
}

// RenderTree renders the gradient graph g as a tree, one branch per x. Nodes shared by more than one
// expression are expanded only once, and referred to by name afterwards.
func RenderTree(g *ir.Graph, xs []ir.NodeEntry) string {
	tree := treeprint.NewWithRoot("gradients")
	expanded := make(map[*ir.Node]bool)
	for ii, output := range g.Outputs {
		label := fmt.Sprintf("output #%d", ii)
		if ii < len(xs) {
			label = gradLabel(xs[ii])
		}
		addTreeNode(tree.AddMetaBranch(label, entryLabel(output)), output.Node, expanded)
	}
	return tree.String()
}

func entryLabel(e ir.NodeEntry) string {
	if e.Node.NumOutputs() > 1 {
		return fmt.Sprintf("%s:%d", e.Node, e.Index)
	}
	return e.Node.String()
}

// addTreeNode adds node's inputs and control dependencies as children of branch.
func addTreeNode(branch treeprint.Tree, node *ir.Node, expanded map[*ir.Node]bool) {
	if expanded[node] {
		if len(node.Inputs) > 0 || len(node.ControlDeps) > 0 {
			branch.AddNode("(see above)")
		}
		return
	}
	expanded[node] = true
	for _, input := range node.Inputs {
		addTreeNode(branch.AddBranch(entryLabel(input)), input.Node, expanded)
	}
	for _, dep := range node.ControlDeps {
		addTreeNode(branch.AddMetaBranch("after", dep.String()), dep, expanded)
	}
}
