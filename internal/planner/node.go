package planner

// node is one A* search node. g is the path cost from the origin, h the
// straight-line estimate to the goal, f their sum.
type node struct {
	cell
	parent *node
	g, h   float64
	f      float64
	seq    int
}

// trace walks the back-pointers and returns the cells from the origin to n.
func (n *node) trace() []cell {
	var rev []cell
	for cur := n; cur != nil; cur = cur.parent {
		rev = append(rev, cur.cell)
	}
	out := make([]cell, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}

// openList is a min-heap on f. Ties go to the lower h, then to the node
// pushed first, so identical inputs always give identical paths.
type openList struct {
	nodes []*node
	next  int
}

func (o *openList) Len() int { return len(o.nodes) }

func (o *openList) Less(i, j int) bool {
	a, b := o.nodes[i], o.nodes[j]
	if a.f != b.f {
		return a.f < b.f
	}
	if a.h != b.h {
		return a.h < b.h
	}
	return a.seq < b.seq
}

func (o *openList) Swap(i, j int) { o.nodes[i], o.nodes[j] = o.nodes[j], o.nodes[i] }

func (o *openList) Push(x any) {
	n := x.(*node)
	n.seq = o.next
	o.next++
	o.nodes = append(o.nodes, n)
}

func (o *openList) Pop() any {
	old := o.nodes
	n := old[len(old)-1]
	old[len(old)-1] = nil
	o.nodes = old[:len(old)-1]
	return n
}
