package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Benny93/arbor-go/internal/graph"
)

// pendingRefs remembers which rows a transaction wrote that point at other
// nodes, so the references can be checked once, right before commit. This
// lets a batch create a child before its parent.
type pendingRefs struct {
	edges    map[graph.EdgeKey]struct{}
	children map[string]struct{}
}

func newPendingRefs() *pendingRefs {
	return &pendingRefs{
		edges:    make(map[graph.EdgeKey]struct{}),
		children: make(map[string]struct{}),
	}
}

func (p *pendingRefs) addEdge(key graph.EdgeKey) {
	if p != nil {
		p.edges[key] = struct{}{}
	}
}

func (p *pendingRefs) addChild(id string) {
	if p != nil {
		p.children[id] = struct{}{}
	}
}

// verify fails with ErrDanglingReference if a written edge or parent link
// that still exists points at a missing node.
func (p *pendingRefs) verify(r Reader) error {
	if p == nil {
		return nil
	}

	keys := make([]graph.EdgeKey, 0, len(p.edges))
	for k := range p.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		e, err := r.GetEdge(k)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		for _, id := range []string{e.SourceID, e.TargetID} {
			n, err := r.GetNode(id)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("%w: edge %s references missing node %s", ErrDanglingReference, k, id)
			}
		}
	}

	ids := make([]string, 0, len(p.children))
	for id := range p.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n, err := r.GetNode(id)
		if err != nil {
			return err
		}
		if n == nil || n.ParentID == "" {
			continue
		}
		parent, err := r.GetNode(n.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: node %s references missing parent %s", ErrDanglingReference, id, n.ParentID)
		}
	}
	return nil
}

func validateNode(n *graph.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: node id is required", graph.ErrInvalidInput)
	}
	if strings.ContainsRune(n.ID+n.ParentID, 0) {
		return fmt.Errorf("%w: node id %q contains a NUL byte", graph.ErrInvalidInput, n.ID)
	}
	if !n.NodeType.Valid() {
		return fmt.Errorf("%w: node %s has unknown type %q", graph.ErrInvalidInput, n.ID, n.NodeType)
	}
	if n.Level != n.NodeType.Level() {
		return fmt.Errorf("%w: node %s of type %s cannot be a %s", graph.ErrInvalidInput, n.ID, n.NodeType, n.Level)
	}
	if n.ParentID == n.ID {
		return fmt.Errorf("%w: node %s cannot be its own parent", graph.ErrInvalidInput, n.ID)
	}
	return nil
}

func validateEdge(e *graph.Edge) error {
	if e == nil || e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("%w: edge endpoints are required", graph.ErrInvalidInput)
	}
	if strings.ContainsRune(e.SourceID+e.TargetID, 0) {
		return fmt.Errorf("%w: edge %s contains a NUL byte", graph.ErrInvalidInput, e.Key())
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: edge %s has unknown type", graph.ErrInvalidInput, e.Key())
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: edge %s has unknown category %q", graph.ErrInvalidInput, e.Key(), e.Category)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
