package gradient

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/ir"
)

// MirrorFunc decides whether the forward computation of node should be mirrored: cloned, so the backward
// graph recomputes it instead of retaining the forward value.
type MirrorFunc func(node *ir.Node) bool

// MirrorSuffix is appended to the name of mirrored nodes.
const MirrorSuffix = "_mirror"

// MirrorAll mirrors every operator node.
func MirrorAll() MirrorFunc {
	return func(node *ir.Node) bool {
		return !node.IsVariable()
	}
}

// MirrorOps mirrors only nodes of the given op types.
func MirrorOps(opNames ...string) MirrorFunc {
	return func(node *ir.Node) bool {
		return !node.IsVariable() && slices.Contains(opNames, node.Op.Name)
	}
}

// MirrorAllExcept mirrors every operator node except those of the given op types, typically the expensive
// ones whose outputs are worth keeping.
func MirrorAllExcept(opNames ...string) MirrorFunc {
	return func(node *ir.Node) bool {
		return !node.IsVariable() && !slices.Contains(opNames, node.Op.Name)
	}
}

// buildMirror maps every node in topoOrder to its working node: the node itself if shouldMirror returns
// false, or a clone whose input edges and control dependencies point to the working nodes of their producers.
//
// topoOrder must list producers before consumers, so the working node of every input already exists.
func buildMirror(topoOrder []*ir.Node, shouldMirror MirrorFunc) map[*ir.Node]*ir.Node {
	mirror := make(map[*ir.Node]*ir.Node, len(topoOrder))
	workingNode := func(n *ir.Node) *ir.Node {
		w, found := mirror[n]
		if !found {
			exceptions.Panicf("mirror: producer %s not yet mapped, the order given is not topological", n)
		}
		return w
	}
	for _, node := range topoOrder {
		if !shouldMirror(node) {
			mirror[node] = node
			continue
		}
		clone := node.Clone()
		clone.Name += MirrorSuffix
		for ii := range clone.Inputs {
			clone.Inputs[ii].Node = workingNode(clone.Inputs[ii].Node)
		}
		for ii := range clone.ControlDeps {
			clone.ControlDeps[ii] = workingNode(clone.ControlDeps[ii])
		}
		mirror[node] = clone
	}
	return mirror
}
