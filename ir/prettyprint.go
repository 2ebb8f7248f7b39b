package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints the graph: its outputs, attribute keys and every
// node reachable from the outputs, in topological order.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	nodes := TopologicalOrder(g.Outputs)
	w("Graph:\n")
	w("\t# nodes:\t%d\n", len(nodes))
	if len(g.Attrs) > 0 {
		w("\tAttributes:\t%q\n", slices.Sorted(maps.Keys(g.Attrs)))
	}
	w("\tOutputs:\t[")
	for ii, e := range g.Outputs {
		if ii > 0 {
			w(", ")
		}
		w("%s", e)
	}
	w("]\n")
	for _, node := range nodes {
		w("\t%s", node)
		if len(node.Inputs) > 0 {
			w(" <- [")
			for ii, e := range node.Inputs {
				if ii > 0 {
					w(", ")
				}
				w("%s", e)
			}
			w("]")
		}
		if len(node.ControlDeps) > 0 {
			w(" after %v", node.ControlDeps)
		}
		w("\n")
	}
	return buf.String()
}
