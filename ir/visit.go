package ir

// DFSVisit visits every node reachable from heads exactly once, in post-order: a node is visited only
// after all its inputs and control dependencies were visited. So the sequence of visits is a topological
// order, with producers before consumers.
//
// Heads are explored in order, and for each node its inputs are explored in edge order followed by its
// control dependencies. The traversal uses an explicit stack, so arbitrarily deep graphs are fine.
func DFSVisit(heads []NodeEntry, visit func(node *Node)) {
	type frame struct {
		node *Node
		next int // Index of the next dependency to explore.
	}
	visited := make(map[*Node]bool)
	var stack []frame
	for _, head := range heads {
		if head.Node == nil || visited[head.Node] {
			continue
		}
		visited[head.Node] = true
		stack = append(stack, frame{node: head.Node})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			numDeps := len(top.node.Inputs) + len(top.node.ControlDeps)
			if top.next >= numDeps {
				stack = stack[:len(stack)-1]
				visit(top.node)
				continue
			}
			var dep *Node
			if top.next < len(top.node.Inputs) {
				dep = top.node.Inputs[top.next].Node
			} else {
				dep = top.node.ControlDeps[top.next-len(top.node.Inputs)]
			}
			top.next++
			if dep == nil || visited[dep] {
				continue
			}
			visited[dep] = true
			stack = append(stack, frame{node: dep})
		}
	}
}

// TopologicalOrder returns the nodes reachable from heads in the order DFSVisit visits them.
func TopologicalOrder(heads []NodeEntry) []*Node {
	var order []*Node
	DFSVisit(heads, func(node *Node) {
		order = append(order, node)
	})
	return order
}
