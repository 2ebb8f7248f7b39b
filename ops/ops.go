// Package ops registers the standard operator set and their gradient rules.
//
// The gradient rules follow the usual vector-Jacobian product convention: given the gradients of the
// node's outputs, they build new nodes computing the gradient of each input. Operands are always read
// from the node handed to the rule, so that when the gradient pass mirrors part of the forward graph the
// recomputed (cloned) nodes are the ones referenced by the backward graph.
//
// Builders (Add, Mul, ...) create nodes for registered ops, and panic (with exceptions.Panicf) if the op is
// not registered, as GoMLX graph functions do.
package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/ir"
)

// Names of the standard operators.
const (
	// ZeroOp is the zero-valued placeholder, with no inputs. The aggregation of no gradient contributions.
	ZeroOp = "__zero__"
	// EwiseSumOp is the element-wise sum of any number of inputs.
	EwiseSumOp = "__ewise_sum__"

	IdentityOp = "identity"
	AddOp      = "add"
	SubOp      = "sub"
	MulOp      = "mul"
	DivOp      = "div"
	NegOp      = "neg"
	SquareOp   = "square"
	ExpOp      = "exp"
	LogOp      = "log"
	SinOp      = "sin"
	CosOp      = "cos"

	// SinCosOp has two outputs: sin(x) and cos(x).
	SinCosOp = "sincos"

	// SignOp is not differentiable: it has no gradient rule.
	SignOp = "sign"
)

// New returns a new registry with the standard operators registered.
func New() *ir.Registry {
	reg := ir.NewRegistry()
	Register(reg)
	return reg
}

// Register the standard operators and their gradient rules in reg.
func Register(reg *ir.Registry) {
	reg.Register(ZeroOp).
		Describe("zero-valued placeholder").
		SetGradient(func(node *ir.Node, _ []ir.NodeEntry) []ir.NodeEntry { return nil })
	reg.Register(EwiseSumOp).
		Describe("element-wise sum of all inputs").
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			grads := make([]ir.NodeEntry, len(node.Inputs))
			for ii := range grads {
				grads[ii] = outputGrads[0]
			}
			return grads
		})
	reg.Register(IdentityOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return []ir.NodeEntry{outputGrads[0]}
		})
	reg.Register(AddOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			g := outputGrads[0]
			return []ir.NodeEntry{g, g}
		})
	reg.Register(SubOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			g := outputGrads[0]
			return []ir.NodeEntry{g, gradNode(node, Neg(reg, g))}
		})
	reg.Register(MulOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			g := outputGrads[0]
			lhs, rhs := operands2(node)
			return []ir.NodeEntry{
				gradNode(node, Mul(reg, g, rhs)),
				gradNode(node, Mul(reg, g, lhs)),
			}
		})
	reg.Register(DivOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			// y = a / b: dy/da = 1/b, dy/db = -a/b^2 = -y/b.
			g := outputGrads[0]
			_, rhs := operands2(node)
			y := node.Output(0)
			return []ir.NodeEntry{
				gradNode(node, Div(reg, g, rhs)),
				gradNode(node, Neg(reg, Div(reg, Mul(reg, g, y), rhs))),
			}
		})
	reg.Register(NegOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return []ir.NodeEntry{gradNode(node, Neg(reg, outputGrads[0]))}
		})
	reg.Register(SquareOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			x := operand(node)
			return []ir.NodeEntry{gradNode(node, Mul(reg, outputGrads[0], Add(reg, x, x)))}
		})
	reg.Register(ExpOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			// d exp(x) = exp(x): reuse the node's own output.
			return []ir.NodeEntry{gradNode(node, Mul(reg, outputGrads[0], node.Output(0)))}
		})
	reg.Register(LogOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return []ir.NodeEntry{gradNode(node, Div(reg, outputGrads[0], operand(node)))}
		})
	reg.Register(SinOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return []ir.NodeEntry{gradNode(node, Mul(reg, outputGrads[0], Cos(reg, operand(node))))}
		})
	reg.Register(CosOp).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return []ir.NodeEntry{gradNode(node, Neg(reg, Mul(reg, outputGrads[0], Sin(reg, operand(node)))))}
		})
	reg.Register(SinCosOp).
		Describe("sin(x) and cos(x), as two outputs").
		SetNumOutputs(2).
		SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			// d/dx = g0*cos(x) - g1*sin(x), with sin(x) and cos(x) taken from the node's outputs.
			sinX, cosX := node.Output(0), node.Output(1)
			return []ir.NodeEntry{gradNode(node,
				Sub(reg, Mul(reg, outputGrads[0], cosX), Mul(reg, outputGrads[1], sinX)))}
		})
	reg.Register(SignOp).Describe("sign of x, not differentiable")
}

// operand returns the only input of a unary node.
func operand(node *ir.Node) ir.NodeEntry {
	if len(node.Inputs) != 1 {
		exceptions.Panicf("%s expects 1 input, got %d", node, len(node.Inputs))
	}
	return node.Inputs[0]
}

// operands2 returns the inputs of a binary node.
func operands2(node *ir.Node) (lhs, rhs ir.NodeEntry) {
	if len(node.Inputs) != 2 {
		exceptions.Panicf("%s expects 2 inputs, got %d", node, len(node.Inputs))
	}
	return node.Inputs[0], node.Inputs[1]
}

// gradNode names the node created for the gradient of forward, for debugging.
func gradNode(forward *ir.Node, e ir.NodeEntry) ir.NodeEntry {
	e.Node.Name = forward.Name + "_backward"
	return e
}

// Apply creates a new node of the registered op opName with the given inputs, and returns its first output.
func Apply(reg *ir.Registry, opName string, inputs ...ir.NodeEntry) ir.NodeEntry {
	op := reg.Get(opName)
	for ii, input := range inputs {
		if input.Node == nil {
			exceptions.Panicf("%s: input #%d is not set", opName, ii)
		}
		if input.Index < 0 || input.Index >= input.Node.NumOutputs() {
			exceptions.Panicf("%s: input #%d refers to output %d of %s, which has %d outputs",
				opName, ii, input.Index, input.Node, input.Node.NumOutputs())
		}
	}
	return ir.NewNode(op, opName, inputs...).Output(0)
}

// Zero creates a zero-valued placeholder node.
func Zero(reg *ir.Registry) ir.NodeEntry { return Apply(reg, ZeroOp) }

// EwiseSum creates a node summing all inputs.
func EwiseSum(reg *ir.Registry, inputs ...ir.NodeEntry) ir.NodeEntry {
	return Apply(reg, EwiseSumOp, inputs...)
}

func Identity(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry { return Apply(reg, IdentityOp, x) }
func Add(reg *ir.Registry, lhs, rhs ir.NodeEntry) ir.NodeEntry { return Apply(reg, AddOp, lhs, rhs) }
func Sub(reg *ir.Registry, lhs, rhs ir.NodeEntry) ir.NodeEntry { return Apply(reg, SubOp, lhs, rhs) }
func Mul(reg *ir.Registry, lhs, rhs ir.NodeEntry) ir.NodeEntry { return Apply(reg, MulOp, lhs, rhs) }
func Div(reg *ir.Registry, lhs, rhs ir.NodeEntry) ir.NodeEntry { return Apply(reg, DivOp, lhs, rhs) }
func Neg(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry        { return Apply(reg, NegOp, x) }
func Square(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry     { return Apply(reg, SquareOp, x) }
func Exp(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry        { return Apply(reg, ExpOp, x) }
func Log(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry        { return Apply(reg, LogOp, x) }
func Sin(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry        { return Apply(reg, SinOp, x) }
func Cos(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry        { return Apply(reg, CosOp, x) }
func Sign(reg *ir.Registry, x ir.NodeEntry) ir.NodeEntry       { return Apply(reg, SignOp, x) }

// SinCos returns a node with two outputs: sin(x) at port 0 and cos(x) at port 1.
func SinCos(reg *ir.Registry, x ir.NodeEntry) *ir.Node {
	return Apply(reg, SinCosOp, x).Node
}

// Named sets the name of the entry's node and returns the entry.
func Named(e ir.NodeEntry, name string) ir.NodeEntry {
	e.Node.Name = name
	return e
}
