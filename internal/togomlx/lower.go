// Package togomlx lowers symgrad IR graphs to GoMLX computation graphs, so forward and gradient graphs can
// be evaluated numerically.
//
// Values are dense tensors of one dtype. The zero placeholder (ops.ZeroOp) carries no shape, so it is
// lowered to a scalar zero, which GoMLX broadcasts in binary operations.
package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lower converts the IR nodes needed to compute outputs into GoMLX nodes in g, and returns the GoMLX nodes
// corresponding to outputs.
//
// Every variable reachable from outputs must be given in feeds. Control dependencies carry no value, and
// are ignored.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func Lower(g *Graph, dtype dtypes.DType, outputs []ir.NodeEntry, feeds map[*ir.Node]*Node) []*Node {
	converted := make(map[*ir.Node][]*Node)
	var numNodes int
	ir.DFSVisit(outputs, func(node *ir.Node) {
		numNodes++
		if node.IsVariable() {
			feed, found := feeds[node]
			if !found || feed == nil {
				exceptions.Panicf("variable %s was not fed", node)
			}
			converted[node] = []*Node{feed}
			return
		}
		inputs := make([]*Node, len(node.Inputs))
		for ii, input := range node.Inputs {
			inputs[ii] = converted[input.Node][input.Index]
		}
		err := exceptions.TryCatch[error](func() { converted[node] = convertNode(g, dtype, node, inputs) })
		if err != nil {
			panic(errors.WithMessagef(err, "while lowering node %s", node))
		}
	})
	klog.V(2).Infof("togomlx: lowered %d nodes", numNodes)

	results := make([]*Node, len(outputs))
	for ii, output := range outputs {
		results[ii] = converted[output.Node][output.Index]
	}
	return results
}

// convertNode converts a single IR node to its GoMLX outputs.
//
// It panics (throw exceptions) in case of errors.
func convertNode(g *Graph, dtype dtypes.DType, node *ir.Node, inputs []*Node) []*Node {
	var res *Node
	switch node.Op.Name {
	case ops.ZeroOp:
		res = ConstAsDType(g, dtype, 0)
	case ops.EwiseSumOp:
		if len(inputs) == 0 {
			exceptions.Panicf("%s with no inputs", node)
		}
		res = inputs[0]
		for _, input := range inputs[1:] {
			res = Add(res, input)
		}
	case ops.IdentityOp:
		res = inputs[0]

	// Binary operators.
	case ops.AddOp:
		res = Add(inputs[0], inputs[1])
	case ops.SubOp:
		res = Sub(inputs[0], inputs[1])
	case ops.MulOp:
		res = Mul(inputs[0], inputs[1])
	case ops.DivOp:
		res = Div(inputs[0], inputs[1])

	// Unary operators.
	case ops.NegOp:
		res = Neg(inputs[0])
	case ops.SquareOp:
		res = Mul(inputs[0], inputs[0])
	case ops.ExpOp:
		res = Exp(inputs[0])
	case ops.LogOp:
		res = Log(inputs[0])
	case ops.SinOp:
		res = Sin(inputs[0])
	case ops.CosOp:
		res = Cos(inputs[0])
	case ops.SignOp:
		res = Sign(inputs[0])

	// Multiple outputs.
	case ops.SinCosOp:
		return []*Node{Sin(inputs[0]), Cos(inputs[0])}

	default:
		exceptions.Panicf("lowering of operator %q not implemented", node.Op.Name)
	}
	return []*Node{res}
}

// Evaluate lowers outputs to a new GoMLX graph, executes it on backend and returns the resulting tensors.
//
// Variables are fed as constants with the given values: any value accepted by ConstAsDType (scalars or
// multi-dimensional slices), converted to dtype.
func Evaluate(backend backends.Backend, dtype dtypes.DType, outputs []ir.NodeEntry, values map[*ir.Node]any) ([]*tensors.Tensor, error) {
	if len(outputs) == 0 {
		return nil, errors.New("togomlx.Evaluate(): no outputs to evaluate")
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			feeds := make(map[*ir.Node]*Node, len(values))
			for node, value := range values {
				feeds[node] = ConstAsDType(g, dtype, value)
			}
			return Lower(g, dtype, outputs, feeds)
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "togomlx.Evaluate()")
	}
	return results, nil
}
