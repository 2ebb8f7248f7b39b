package gradient

import (
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
)

// AggregateFunc combines the gradient contributions arriving at one (node, port) into one entry.
//
// Contributions are given in arrival order. Any implementation must honor the same contract as
// DefaultAggregate for 0 and 1 contributions: a zero placeholder for none, and the contribution itself
// for exactly one. How two or more are combined is up to the implementation.
//
// The function takes ownership of grads: the caller doesn't use the slice afterward.
type AggregateFunc func(grads []ir.NodeEntry) ir.NodeEntry

// DefaultAggregate returns the default aggregation policy:
//
//   - 0 contributions: a new ops.ZeroOp node, output 0.
//   - 1 contribution: the contribution itself, no new node is created.
//   - 2 or more: a new ops.EwiseSumOp node, whose inputs are the contributions in the given order.
//
// The summation order is the arrival order, which for floating point values is deterministic but not
// neutral with respect to rounding.
func DefaultAggregate(reg *ir.Registry) AggregateFunc {
	return func(grads []ir.NodeEntry) ir.NodeEntry {
		switch len(grads) {
		case 0:
			return ops.Zero(reg)
		case 1:
			return grads[0]
		default:
			return ops.EwiseSum(reg, grads...)
		}
	}
}

// TreeAggregate returns an aggregation policy that, for 2 or more contributions, builds a balanced tree of
// binary ops.AddOp nodes: it keeps the depth of the summation logarithmic, which bounds the rounding
// error growth. The 0 and 1 cases behave as DefaultAggregate.
func TreeAggregate(reg *ir.Registry) AggregateFunc {
	var tree func(grads []ir.NodeEntry) ir.NodeEntry
	tree = func(grads []ir.NodeEntry) ir.NodeEntry {
		if len(grads) == 1 {
			return grads[0]
		}
		half := len(grads) / 2
		return ops.Add(reg, tree(grads[:half]), tree(grads[half:]))
	}
	return func(grads []ir.NodeEntry) ir.NodeEntry {
		if len(grads) == 0 {
			return ops.Zero(reg)
		}
		return tree(grads)
	}
}
