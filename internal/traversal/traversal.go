// Package traversal walks the Arbor graph breadth first.
//
// A walk starts from a set of nodes and follows edges in the requested
// direction up to a depth bound. Growth edges are excluded unless asked
// for, so by default the walk follows code relations and knowledge links
// rather than the organizational hierarchy. Node type filters decide what
// is returned, never what is reachable.
package traversal

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
)

const (
	// DefaultDepth is used when no depth is given.
	DefaultDepth = 3
	// MaxDepth caps every walk.
	MaxDepth = 10
	// ImpactDepth is the default depth of ImpactRadius.
	ImpactDepth = 2
)

// DefaultCategories are followed when no category filter is given.
var DefaultCategories = []graph.EdgeCategory{graph.CategoryRoot, graph.CategoryKnowledge}

// Direction selects which edges of a node are followed.
type Direction string

const (
	// Downstream follows outgoing edges.
	Downstream Direction = "downstream"
	// Upstream follows incoming edges.
	Upstream Direction = "upstream"
	// Both follows outgoing and incoming edges.
	Both Direction = "both"
)

// Directions lists every direction.
var Directions = []Direction{Upstream, Downstream, Both}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case Downstream, Upstream, Both:
		return true
	}
	return false
}

// ParseDirection converts s into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", graph.ErrInvalidInput, s)
	}
	return d, nil
}

// Options configures a walk.
type Options struct {
	Direction Direction

	// Depth is the maximum number of hops. Values below one mean
	// DefaultDepth; values above MaxDepth are capped.
	Depth int

	// EdgeTypes restricts which edges are followed. Empty means all.
	EdgeTypes []graph.EdgeType

	// NodeTypes restricts which discovered nodes are returned. Empty means
	// all. Start nodes are always returned.
	NodeTypes []graph.NodeType

	// Categories restricts which edge categories are followed. Empty means
	// DefaultCategories.
	Categories []graph.EdgeCategory
}

// StaleWarning points at a returned node flagged stale.
type StaleWarning struct {
	NodeID      string `json:"nodeId"`
	Feature     string `json:"feature"`
	FeaturePath string `json:"featurePath"`
}

// Path is the chain of node ids through which a node was first discovered,
// starting with a start node.
type Path struct {
	NodeIDs []string `json:"nodeIds"`
}

// Result is the outcome of a walk.
type Result struct {
	Nodes         []*graph.Node  `json:"nodes"`
	Edges         []*graph.Edge  `json:"edges"`
	Paths         []Path         `json:"paths"`
	StaleWarnings []StaleWarning `json:"staleWarnings"`
}

type queueItem struct {
	id    string
	path  []string
	depth int
}

// Traverse walks the graph from startIDs. Start ids that do not resolve are
// dropped. Every node is visited at most once, so cycles terminate.
func Traverse(r storage.Reader, startIDs []string, opts Options) (*Result, error) {
	depth := clampDepth(opts.Depth)
	categories := opts.Categories
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	direction := opts.Direction
	if direction == "" {
		direction = Both
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", graph.ErrInvalidInput, direction)
	}

	sub := graph.NewSubgraph()
	visited := make(map[string]struct{})
	var (
		queue    []queueItem
		paths    = []Path{}
		warnings = []StaleWarning{}
	)

	for _, id := range startIDs {
		if _, seen := visited[id]; seen {
			continue
		}
		node, err := r.GetNode(id)
		if err != nil {
			return nil, fmt.Errorf("resolving start node %s: %w", id, err)
		}
		if node == nil {
			continue
		}
		visited[id] = struct{}{}
		sub.AddNode(node)
		warnings = appendStale(warnings, node)
		queue = append(queue, queueItem{id: id, path: []string{id}})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= depth {
			continue
		}

		edges, err := neighborEdges(r, item.id, direction, categories)
		if err != nil {
			return nil, err
		}

		for _, e := range edges {
			if len(opts.EdgeTypes) > 0 && !slices.Contains(opts.EdgeTypes, e.Type) {
				continue
			}
			sub.AddEdge(e)

			next := e.Other(item.id)
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}

			node, err := r.GetNode(next)
			if err != nil {
				return nil, fmt.Errorf("resolving node %s: %w", next, err)
			}
			if node == nil {
				continue
			}

			path := append(slices.Clip(item.path), next)
			queue = append(queue, queueItem{id: next, path: path, depth: item.depth + 1})

			if len(opts.NodeTypes) > 0 && !slices.Contains(opts.NodeTypes, node.NodeType) {
				continue
			}
			sub.AddNode(node)
			warnings = appendStale(warnings, node)
			paths = append(paths, Path{NodeIDs: path})
		}
	}

	return &Result{
		Nodes:         sub.Nodes(),
		Edges:         sub.Edges(),
		Paths:         paths,
		StaleWarnings: warnings,
	}, nil
}

// ImpactRadius returns the code and knowledge neighborhood of nodeIDs in
// both directions. A depth below one means ImpactDepth.
func ImpactRadius(r storage.Reader, nodeIDs []string, depth int) (*Result, error) {
	if depth < 1 {
		depth = ImpactDepth
	}
	return Traverse(r, nodeIDs, Options{
		Direction:  Both,
		Depth:      depth,
		Categories: DefaultCategories,
	})
}

func clampDepth(depth int) int {
	switch {
	case depth < 1:
		return DefaultDepth
	case depth > MaxDepth:
		return MaxDepth
	default:
		return depth
	}
}

func neighborEdges(r storage.Reader, id string, direction Direction, categories []graph.EdgeCategory) ([]*graph.Edge, error) {
	var edges []*graph.Edge
	if direction == Downstream || direction == Both {
		out, err := r.Outgoing(id, categories...)
		if err != nil {
			return nil, fmt.Errorf("loading outgoing edges of %s: %w", id, err)
		}
		edges = append(edges, out...)
	}
	if direction == Upstream || direction == Both {
		in, err := r.Incoming(id, categories...)
		if err != nil {
			return nil, fmt.Errorf("loading incoming edges of %s: %w", id, err)
		}
		edges = append(edges, in...)
	}
	return edges, nil
}

func appendStale(warnings []StaleWarning, n *graph.Node) []StaleWarning {
	if !n.Stale {
		return warnings
	}
	return append(warnings, StaleWarning{NodeID: n.ID, Feature: n.Feature, FeaturePath: n.FeaturePath})
}
