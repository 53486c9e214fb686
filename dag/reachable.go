package dag

// Reachable returns every node reachable from root (root included),
// visited in post-order (a node's inputs always precede it), with each
// node id appearing exactly once even when shared by multiple parents.
func Reachable(root Node) []Node {
	seen := make(map[ID]bool)
	var order []Node
	var visit func(Node)
	visit = func(n Node) {
		if seen[n.ID()] {
			return
		}
		seen[n.ID()] = true
		for _, in := range Inputs(n) {
			visit(in)
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// ByID indexes a node slice by ID for O(1) lookup.
func ByID(nodes []Node) map[ID]Node {
	out := make(map[ID]Node, len(nodes))
	for _, n := range nodes {
		out[n.ID()] = n
	}
	return out
}
