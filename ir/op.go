package ir

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
)

// GradientFn is the per-operator gradient rule.
//
// It is given the node (possibly a mirrored clone of the forward node) and the gradients of each of its
// outputs, in port order, and it must return one gradient entry per input edge of the node, in the same
// order as node.Inputs.
//
// Like GoMLX graph building functions it may panic (with exceptions.Panicf) in case of errors.
type GradientFn func(node *Node, outputGrads []NodeEntry) []NodeEntry

// Op is an operator: its name, number of outputs and per-operator attributes.
type Op struct {
	Name        string
	Description string

	// NumOutputs is the number of output ports of nodes of this op. Defaults to 1.
	NumOutputs int

	// Gradient is the gradient rule. Nil if the op is not differentiable.
	Gradient GradientFn
}

// SetGradient sets the gradient rule and returns the op, so calls can be chained.
func (op *Op) SetGradient(fn GradientFn) *Op {
	op.Gradient = fn
	return op
}

// SetNumOutputs sets the number of outputs and returns the op, so calls can be chained.
func (op *Op) SetNumOutputs(n int) *Op {
	op.NumOutputs = n
	return op
}

// Describe sets the description and returns the op, so calls can be chained.
func (op *Op) Describe(description string) *Op {
	op.Description = description
	return op
}

// String implements fmt.Stringer.
func (op *Op) String() string { return op.Name }

// Registry holds the operators known to a host. It is created by the host and handed explicitly to the
// passes that need it: there is no global table.
type Registry struct {
	ops map[string]*Op
}

// NewRegistry returns an empty operator registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Op)}
}

// Register creates (or returns the already registered) op with the given name.
func (r *Registry) Register(name string) *Op {
	if op, found := r.ops[name]; found {
		return op
	}
	op := &Op{Name: name, NumOutputs: 1}
	r.ops[name] = op
	return op
}

// Lookup returns the op with the given name, or nil if not registered.
func (r *Registry) Lookup(name string) *Op {
	return r.ops[name]
}

// Get returns the op with the given name. It panics if it is not registered.
func (r *Registry) Get(name string) *Op {
	op := r.ops[name]
	if op == nil {
		exceptions.Panicf("operator %q not registered", name)
	}
	return op
}

// GradientRule returns the gradient rule registered for op, if any.
func (r *Registry) GradientRule(op *Op) (GradientFn, bool) {
	if op == nil {
		return nil, false
	}
	registered := r.ops[op.Name]
	if registered == nil || registered.Gradient == nil {
		return nil, false
	}
	return registered.Gradient, true
}

// Names returns the sorted names of the registered ops.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.ops))
}
