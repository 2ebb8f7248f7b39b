// Package ir defines the dataflow graph representation the symbolic passes operate on.
//
//   - Node: an operator instance (or a variable, when it has no operator) with ordered input edges.
//   - NodeEntry: an edge, that is, one output port of a Node.
//   - Graph: the output entries of interest plus a typed attribute bag used to pass parameters
//     into and results out of passes.
//   - Registry: operators and their per-operator attributes, most importantly the gradient rule.
//   - PassRegistry: named graph-to-graph passes and the attributes they depend on.
//
// Nodes are shared by pointer: the same *Node referenced by several consumers is one producer with fan-out.
// Identity is always the pointer (or its NodeID), never structural equality.
package ir

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
)

// NodeID is a process-unique handle identifying a Node.
type NodeID uint64

var lastNodeID atomic.Uint64

// Node is an operator instance in the graph. A Node with a nil Op is a variable (a graph input or constant).
type Node struct {
	id NodeID

	// Op is the operator, nil for variables.
	Op *Op

	// Name is a human-readable name, for debugging and printing only.
	Name string

	// Inputs are the ordered input edges.
	Inputs []NodeEntry

	// ControlDeps are ordering-only dependencies: they carry no value.
	ControlDeps []*Node

	// Attrs are operator specific attributes.
	Attrs map[string]any
}

// NewNode creates a fresh node, not attached to anything.
func NewNode(op *Op, name string, inputs ...NodeEntry) *Node {
	return &Node{
		id:     NodeID(lastNodeID.Add(1)),
		Op:     op,
		Name:   name,
		Inputs: inputs,
	}
}

// NewVariable creates a fresh variable node.
func NewVariable(name string) *Node {
	return NewNode(nil, name)
}

// ID returns the node's unique handle.
func (n *Node) ID() NodeID { return n.id }

// IsVariable returns whether the node has no operator.
func (n *Node) IsVariable() bool { return n.Op == nil }

// NumOutputs returns the number of output ports of the node. Variables have exactly one.
func (n *Node) NumOutputs() int {
	if n.Op == nil {
		return 1
	}
	return n.Op.NumOutputs
}

// OpName returns the name of the operator, or "<var>" for variables.
func (n *Node) OpName() string {
	if n.Op == nil {
		return "<var>"
	}
	return n.Op.Name
}

// Output returns the entry for the given output port.
func (n *Node) Output(index int) NodeEntry {
	return NodeEntry{Node: n, Index: index}
}

// Outputs returns the entries for all output ports of the node.
func (n *Node) Outputs() []NodeEntry {
	entries := make([]NodeEntry, n.NumOutputs())
	for ii := range entries {
		entries[ii] = n.Output(ii)
	}
	return entries
}

// Clone returns a shallow copy of the node with a fresh ID: operator, name and attribute values are shared,
// while the Inputs, ControlDeps and Attrs containers are copied so they can be rewritten independently.
func (n *Node) Clone() *Node {
	clone := &Node{
		id:          NodeID(lastNodeID.Add(1)),
		Op:          n.Op,
		Name:        n.Name,
		Inputs:      slices.Clone(n.Inputs),
		ControlDeps: slices.Clone(n.ControlDeps),
	}
	if n.Attrs != nil {
		clone.Attrs = maps.Clone(n.Attrs)
	}
	return clone
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d(%s)", n.Name, n.id, n.OpName())
}

// NodeEntry is an edge descriptor: one output port of a node.
//
// Version is used for display only, it doesn't take part of the identity.
type NodeEntry struct {
	Node    *Node
	Index   int
	Version int
}

// SameAs returns whether both entries refer to the same (node, port).
func (e NodeEntry) SameAs(other NodeEntry) bool {
	return e.Node == other.Node && e.Index == other.Index
}

// IsValid returns whether the entry points to a node.
func (e NodeEntry) IsValid() bool { return e.Node != nil }

// String implements fmt.Stringer.
func (e NodeEntry) String() string {
	if e.Node == nil {
		return "<invalid entry>"
	}
	if e.Node.NumOutputs() == 1 && e.Index == 0 {
		return e.Node.String()
	}
	return fmt.Sprintf("%s:%d", e.Node, e.Index)
}
