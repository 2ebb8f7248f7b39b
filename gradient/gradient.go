// Package gradient implements the symbolic reverse-mode gradient pass: given a forward graph, it builds the
// graph that computes the gradient of a set of output entries with respect to a set of input entries.
//
// The pass is configured through graph attributes:
//
//   - AttrYs ("grad_ys"), required: the outputs whose gradient is back-propagated.
//   - AttrYsOutGrad ("grad_ys_out_grad"), required: the gradient seeded at each of AttrYs, same length.
//   - AttrXs ("grad_xs"), required: the entries whose gradients are requested, in the order of the result.
//   - AttrAggregateFun ("grad_aggregate_fun"), optional: an AggregateFunc. Defaults to DefaultAggregate.
//   - AttrMirrorFun ("grad_mirror_fun"), optional: a MirrorFunc. Defaults to no mirroring.
//
// Gradient (or the pass registered by Register) returns a new graph whose outputs are the gradients of
// each of AttrXs. No numeric computation happens here: only new nodes are created, the forward graph
// nodes are never modified.
package gradient

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph attributes used by the pass.
const (
	AttrYs           = "grad_ys"
	AttrYsOutGrad    = "grad_ys_out_grad"
	AttrXs           = "grad_xs"
	AttrAggregateFun = "grad_aggregate_fun"
	AttrMirrorFun    = "grad_mirror_fun"
)

// PassName is the name under which Register registers the pass.
const PassName = "Gradient"

// SetAttrs sets the required attributes of the gradient pass in g, and returns g.
func SetAttrs(g *ir.Graph, ys, ysOutGrad, xs []ir.NodeEntry) *ir.Graph {
	return g.SetAttr(AttrYs, ys).
		SetAttr(AttrYsOutGrad, ysOutGrad).
		SetAttr(AttrXs, xs)
}

// Register adds the gradient pass to passes. Gradient rules are looked up in reg.
func Register(passes *ir.PassRegistry, reg *ir.Registry) {
	passes.Register(ir.PassInfo{
		Name:             PassName,
		Description:      `Return a gradient graph of src.Attrs["grad_ys"] with respect to src.Attrs["grad_xs"]`,
		ChangeGraph:      true,
		DependGraphAttrs: []string{AttrYs, AttrXs, AttrYsOutGrad},
		Body: func(src *ir.Graph) (*ir.Graph, error) {
			return Gradient(reg, src)
		},
	})
}

// gradEntry holds the gradient contributions pending for one (node, port), and their aggregate once computed.
type gradEntry struct {
	sum    ir.NodeEntry
	hasSum bool
	grads  []ir.NodeEntry
}

// add appends a contribution. Contributions can't arrive after the entry was aggregated.
func (e *gradEntry) add(grad ir.NodeEntry) {
	if e.hasSum {
		exceptions.Panicf("gradient contribution %s arrived after the gradient was already aggregated", grad)
	}
	e.grads = append(e.grads, grad)
}

// aggregate returns the aggregated gradient, computing it on first use.
func (e *gradEntry) aggregate(fn AggregateFunc) ir.NodeEntry {
	if !e.hasSum {
		grads := e.grads
		e.grads = nil
		e.sum = fn(grads)
		if e.sum.Node == nil {
			exceptions.Panicf("aggregation of %d gradient contributions returned an invalid entry", len(grads))
		}
		e.hasSum = true
	}
	return e.sum
}

// Gradient builds the gradient graph of src. See package documentation for the attributes it requires.
//
// The returned graph has one output per entry of AttrXs, positionally aligned: entries of AttrXs that refer
// to the same (node, port) get the same gradient entry. It has no attributes.
func Gradient(reg *ir.Registry, src *ir.Graph) (*ir.Graph, error) {
	ys, err := ir.RequireAttr[[]ir.NodeEntry](src, AttrYs)
	if err != nil {
		return nil, errors.WithMessage(err, "Gradient()")
	}
	ysOutGrad, err := ir.RequireAttr[[]ir.NodeEntry](src, AttrYsOutGrad)
	if err != nil {
		return nil, errors.WithMessage(err, "Gradient()")
	}
	xs, err := ir.RequireAttr[[]ir.NodeEntry](src, AttrXs)
	if err != nil {
		return nil, errors.WithMessage(err, "Gradient()")
	}
	if len(ys) != len(ysOutGrad) {
		return nil, errors.Wrapf(ErrSizeMismatch, "Gradient(): %q has %d entries, but %q has %d",
			AttrYs, len(ys), AttrYsOutGrad, len(ysOutGrad))
	}
	aggregate, err := aggregateAttr(reg, src)
	if err != nil {
		return nil, err
	}
	shouldMirror, err := mirrorAttr(src)
	if err != nil {
		return nil, err
	}

	b := &backward{
		reg:          reg,
		aggregate:    aggregate,
		shouldMirror: shouldMirror,
		entries:      make(map[*ir.Node][]gradEntry),
	}
	var outputs []ir.NodeEntry
	var runErr error
	if panicErr := exceptions.TryCatch[error](func() { outputs, runErr = b.run(ys, ysOutGrad, xs) }); panicErr != nil {
		return nil, errors.WithMessage(panicErr, "Gradient()")
	}
	if runErr != nil {
		return nil, errors.WithMessage(runErr, "Gradient()")
	}
	return ir.NewGraph(outputs...), nil
}

// aggregateAttr returns the configured aggregation policy, or the default one.
func aggregateAttr(reg *ir.Registry, src *ir.Graph) (AggregateFunc, error) {
	value, found := src.Attrs[AttrAggregateFun]
	if !found || value == nil {
		return DefaultAggregate(reg), nil
	}
	switch fn := value.(type) {
	case AggregateFunc:
		return fn, nil
	case func([]ir.NodeEntry) ir.NodeEntry:
		return fn, nil
	}
	return nil, errors.Wrapf(ErrMissingAttribute, "Gradient(): attribute %q has type %T, wanted gradient.AggregateFunc",
		AttrAggregateFun, value)
}

// mirrorAttr returns the configured mirror predicate, or nil if there is none.
func mirrorAttr(src *ir.Graph) (MirrorFunc, error) {
	value, found := src.Attrs[AttrMirrorFun]
	if !found || value == nil {
		return nil, nil
	}
	switch fn := value.(type) {
	case MirrorFunc:
		return fn, nil
	case func(*ir.Node) bool:
		return fn, nil
	}
	return nil, errors.Wrapf(ErrMissingAttribute, "Gradient(): attribute %q has type %T, wanted gradient.MirrorFunc",
		AttrMirrorFun, value)
}

// backward holds the state of one run of the pass.
type backward struct {
	reg          *ir.Registry
	aggregate    AggregateFunc
	shouldMirror MirrorFunc

	// topoOrder lists the nodes reachable from the ys, producers first.
	topoOrder []*ir.Node

	// entries holds one gradEntry per output port of each node.
	entries map[*ir.Node][]gradEntry

	// mirror maps each node to its working node, empty if not mirroring.
	mirror map[*ir.Node]*ir.Node
}

// entry returns the gradEntry of e.
func (b *backward) entry(e ir.NodeEntry) (*gradEntry, error) {
	if e.Node == nil {
		return nil, errors.New("invalid (nil) node entry")
	}
	list, found := b.entries[e.Node]
	if !found {
		list = make([]gradEntry, e.Node.NumOutputs())
		b.entries[e.Node] = list
	}
	if e.Index < 0 || e.Index >= len(list) {
		return nil, errors.Errorf("entry %s refers to output %d, but node has %d outputs", e, e.Index, len(list))
	}
	return &list[e.Index], nil
}

func (b *backward) run(ys, ysOutGrad, xs []ir.NodeEntry) ([]ir.NodeEntry, error) {
	// Topological order and pre-allocation of the gradient entries.
	ir.DFSVisit(ys, func(node *ir.Node) {
		if _, found := b.entries[node]; !found {
			b.entries[node] = make([]gradEntry, node.NumOutputs())
		}
		b.topoOrder = append(b.topoOrder, node)
	})

	// Seed the gradients of the ys.
	for ii, y := range ys {
		e, err := b.entry(y)
		if err != nil {
			return nil, errors.WithMessagef(err, "%q[%d]", AttrYs, ii)
		}
		if ysOutGrad[ii].Node == nil {
			return nil, errors.Errorf("%q[%d] is not set", AttrYsOutGrad, ii)
		}
		e.add(ysOutGrad[ii])
	}

	if b.shouldMirror != nil {
		b.mirror = buildMirror(b.topoOrder, b.shouldMirror)
		if klog.V(1).Enabled() {
			var numMirrored int
			for node, working := range b.mirror {
				if node != working {
					numMirrored++
				}
			}
			klog.Infof("gradient: mirrored %d out of %d forward nodes", numMirrored, len(b.topoOrder))
		}
	}

	// Backward traversal: consumers before producers.
	for ii := len(b.topoOrder) - 1; ii >= 0; ii-- {
		node := b.topoOrder[ii]
		if node.IsVariable() {
			continue
		}
		if err := b.backpropagateNode(node); err != nil {
			return nil, errors.WithMessagef(err, "while back-propagating node %s (%d out of %d in reverse order)",
				node, len(b.topoOrder)-ii, len(b.topoOrder))
		}
	}

	// Take out the gradients of the xs.
	outputs := make([]ir.NodeEntry, len(xs))
	for ii, x := range xs {
		e, err := b.entry(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "%q[%d]", AttrXs, ii)
		}
		outputs[ii] = e.aggregate(b.aggregate)
	}
	klog.V(1).Infof("gradient: visited %d nodes, returning %d gradients", len(b.topoOrder), len(outputs))
	return outputs, nil
}

// backpropagateNode aggregates the gradients of node's outputs, calls its gradient rule and appends
// the resulting input gradients to the node's producers.
func (b *backward) backpropagateNode(node *ir.Node) error {
	rule, found := b.reg.GradientRule(node.Op)
	if !found {
		return errors.Wrapf(ErrNoGradientRule, "operator %q", node.Op.Name)
	}
	working := node
	if len(b.mirror) > 0 {
		working = b.mirror[node]
	}

	entries := b.entries[node]
	outputGrads := make([]ir.NodeEntry, 0, len(entries))
	var inputGrads []ir.NodeEntry
	err := exceptions.TryCatch[error](func() {
		for port := range entries {
			outputGrads = append(outputGrads, entries[port].aggregate(b.aggregate))
		}
		inputGrads = rule(working, outputGrads)
	})
	if err != nil {
		return err
	}
	if len(inputGrads) != len(node.Inputs) {
		return errors.Wrapf(ErrArityMismatch, "gradient rule of operator %q returned %d gradients for %d inputs",
			node.Op.Name, len(inputGrads), len(node.Inputs))
	}
	klog.V(2).Infof("gradient: %s: %d output gradients -> %d input gradients", node, len(outputGrads), len(inputGrads))

	for ii, input := range node.Inputs {
		if inputGrads[ii].Node == nil {
			return errors.Errorf("gradient rule of operator %q returned an invalid gradient for input #%d",
				node.Op.Name, ii)
		}
		e, err := b.entry(input)
		if err != nil {
			return errors.WithMessagef(err, "input #%d", ii)
		}
		e.add(inputGrads[ii])
	}
	return nil
}
