package graph

// Subgraph is an in-memory, insertion-ordered collection of nodes and edges
// read out of a store. Nodes are keyed by ID and edges by EdgeKey, so adding
// the same node or edge twice keeps the first copy and its position.
//
// Subgraph is not safe for concurrent use; it is built by a single query and
// then handed to the caller.
type Subgraph struct {
	nodes     []*Node
	nodeIndex map[string]int
	edges     []*Edge
	edgeIndex map[EdgeKey]int
}

// NewSubgraph creates an empty subgraph.
func NewSubgraph() *Subgraph {
	return &Subgraph{
		nodeIndex: make(map[string]int),
		edgeIndex: make(map[EdgeKey]int),
	}
}

// AddNode appends node unless a node with the same ID is already present.
// It reports whether the node was added.
func (g *Subgraph) AddNode(node *Node) bool {
	if _, ok := g.nodeIndex[node.ID]; ok {
		return false
	}
	g.nodeIndex[node.ID] = len(g.nodes)
	g.nodes = append(g.nodes, node)
	return true
}

// AddEdge appends edge unless an edge with the same key is already present.
// It reports whether the edge was added.
func (g *Subgraph) AddEdge(edge *Edge) bool {
	key := edge.Key()
	if _, ok := g.edgeIndex[key]; ok {
		return false
	}
	g.edgeIndex[key] = len(g.edges)
	g.edges = append(g.edges, edge)
	return true
}

// Nodes returns the nodes in insertion order. The result is never nil.
func (g *Subgraph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the edges in insertion order. The result is never nil.
func (g *Subgraph) Edges() []*Edge {
	out := make([]*Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Filter keeps only the nodes for which keep returns true.
func (g *Subgraph) Filter(keep func(*Node) bool) {
	kept := g.nodes[:0]
	g.nodeIndex = make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		if keep(n) {
			g.nodeIndex[n.ID] = len(kept)
			kept = append(kept, n)
		}
	}
	for i := len(kept); i < len(g.nodes); i++ {
		g.nodes[i] = nil
	}
	g.nodes = kept
}
