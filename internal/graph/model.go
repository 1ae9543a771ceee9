// Package graph provides the data model of the Arbor knowledge graph.
//
// The graph is a tree of organizational branch nodes (functional areas,
// categories, subcategories) with leaf nodes hanging off it. Leaves record
// either code elements (files, classes, functions, methods) or accumulated
// knowledge (solutions, patterns, pitfalls). Directed, typed edges connect
// nodes: growth edges mirror the parent hierarchy, root edges carry
// structural code relations and knowledge edges tie knowledge to code.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RootID is the id of the distinguished root branch. It always exists once a
// store is initialized and is never deleted or overwritten.
const RootID = "root"

// RootFeature is the label given to the root branch.
const RootFeature = "Root"

// ErrInvalidInput is returned when a request fails validation before any
// storage is touched.
var ErrInvalidInput = errors.New("invalid input")

// Level separates organizational branches from terminal leaves.
type Level string

const (
	LevelBranch Level = "branch"
	LevelLeaf   Level = "leaf"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBranch, LevelLeaf:
		return true
	}
	return false
}

// NodeType is the closed set of node kinds.
type NodeType string

const (
	// Branch types.
	NodeFunctionalArea NodeType = "functional_area"
	NodeCategory       NodeType = "category"
	NodeSubcategory    NodeType = "subcategory"

	// Code leaf types.
	NodeFile     NodeType = "file"
	NodeClass    NodeType = "class"
	NodeFunction NodeType = "function"
	NodeMethod   NodeType = "method"

	// Knowledge leaf types.
	NodeSolution NodeType = "solution"
	NodePattern  NodeType = "pattern"
	NodePitfall  NodeType = "pitfall"
)

// NodeTypes lists every node type in declaration order.
var NodeTypes = []NodeType{
	NodeFunctionalArea, NodeCategory, NodeSubcategory,
	NodeFile, NodeClass, NodeFunction, NodeMethod,
	NodeSolution, NodePattern, NodePitfall,
}

// Level returns the level a node of this type lives on. Unknown types
// report an empty level.
func (t NodeType) Level() Level {
	switch t {
	case NodeFunctionalArea, NodeCategory, NodeSubcategory:
		return LevelBranch
	case NodeFile, NodeClass, NodeFunction, NodeMethod,
		NodeSolution, NodePattern, NodePitfall:
		return LevelLeaf
	}
	return ""
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool { return t.Level() != "" }

// IsBranch reports whether t is one of the three branch types.
func (t NodeType) IsBranch() bool { return t.Level() == LevelBranch }

// IsLeaf reports whether t is one of the seven leaf types.
func (t NodeType) IsLeaf() bool { return t.Level() == LevelLeaf }

// IsCode reports whether t describes a code element.
func (t NodeType) IsCode() bool {
	switch t {
	case NodeFile, NodeClass, NodeFunction, NodeMethod:
		return true
	case NodeFunctionalArea, NodeCategory, NodeSubcategory,
		NodeSolution, NodePattern, NodePitfall:
		return false
	}
	return false
}

// IsKnowledge reports whether t describes a knowledge entry.
func (t NodeType) IsKnowledge() bool {
	switch t {
	case NodeSolution, NodePattern, NodePitfall:
		return true
	case NodeFunctionalArea, NodeCategory, NodeSubcategory,
		NodeFile, NodeClass, NodeFunction, NodeMethod:
		return false
	}
	return false
}

// CodeNodeTypes returns the leaf types that describe code elements.
func CodeNodeTypes() []NodeType {
	var out []NodeType
	for _, t := range NodeTypes {
		if t.IsCode() {
			out = append(out, t)
		}
	}
	return out
}

// ParseNodeType converts s into a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown node type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// EdgeType is the closed set of relation kinds.
type EdgeType string

const (
	EdgeContains  EdgeType = "contains"
	EdgeComposes  EdgeType = "composes"
	EdgeInvokes   EdgeType = "invokes"
	EdgeImports   EdgeType = "imports"
	EdgeInherits  EdgeType = "inherits"
	EdgeDocuments EdgeType = "documents"
)

// EdgeTypes lists every edge type in declaration order.
var EdgeTypes = []EdgeType{
	EdgeContains, EdgeComposes, EdgeInvokes, EdgeImports, EdgeInherits, EdgeDocuments,
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeContains, EdgeComposes, EdgeInvokes, EdgeImports, EdgeInherits, EdgeDocuments:
		return true
	}
	return false
}

// ParseEdgeType converts s into an EdgeType.
func ParseEdgeType(s string) (EdgeType, error) {
	t := EdgeType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown edge type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// EdgeCategory groups edges by what they express.
type EdgeCategory string

const (
	// CategoryGrowth edges mirror parent_id and are never written directly.
	CategoryGrowth EdgeCategory = "growth"
	// CategoryRoot edges carry structural code relations between leaves.
	CategoryRoot EdgeCategory = "root"
	// CategoryKnowledge edges tie a knowledge leaf to what it documents.
	CategoryKnowledge EdgeCategory = "knowledge"
)

// EdgeCategories lists every category in declaration order.
var EdgeCategories = []EdgeCategory{CategoryGrowth, CategoryRoot, CategoryKnowledge}

// Valid reports whether c is a known category.
func (c EdgeCategory) Valid() bool {
	switch c {
	case CategoryGrowth, CategoryRoot, CategoryKnowledge:
		return true
	}
	return false
}

// ParseEdgeCategory converts s into an EdgeCategory.
func ParseEdgeCategory(s string) (EdgeCategory, error) {
	c := EdgeCategory(strings.TrimSpace(s))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown edge category %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Reserved metadata keys. They are managed through Node.Stale and
// Node.Unplaced and never kept in Node.Metadata.
const (
	MetaStale    = "stale"
	MetaUnplaced = "unplaced"
)

// Node is a vertex of the graph.
type Node struct {
	// ID is the unique, immutable identifier.
	ID string `json:"id"`

	// Level is derived from NodeType.
	Level Level `json:"level"`

	// NodeType is the kind of node.
	NodeType NodeType `json:"nodeType"`

	// Feature is the short human-readable label.
	Feature string `json:"feature"`

	// Features are free-text descriptors used for secondary search.
	Features []string `json:"features"`

	// Metadata holds caller-defined values. Reserved keys are stripped.
	Metadata map[string]any `json:"metadata"`

	// Stale is set by an external caller when the recorded fact may no
	// longer match the source. Re-seeding clears it.
	Stale bool `json:"stale"`

	// Unplaced is true exactly when a leaf has no parent.
	Unplaced bool `json:"unplaced"`

	// ParentID is the owning branch, empty when the node has no parent.
	ParentID string `json:"parentId,omitempty"`

	// FeaturePath is the slash-joined chain of ancestor features,
	// computed when the node was written.
	FeaturePath string `json:"featurePath"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsRoot reports whether n is the distinguished root branch.
func (n *Node) IsRoot() bool { return n.ID == RootID }

// Clone returns a deep copy of n's slices and metadata.
func (n *Node) Clone() *Node {
	c := *n
	c.Features = append([]string(nil), n.Features...)
	c.Metadata = make(map[string]any, len(n.Metadata))
	for k, v := range n.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// NewRoot builds the root branch.
func NewRoot() *Node {
	return &Node{
		ID:       RootID,
		Level:    LevelBranch,
		NodeType: NodeFunctionalArea,
		Feature:  RootFeature,
		Features: []string{},
		Metadata: map[string]any{},
	}
}

// CleanMetadata returns a copy of md without the reserved keys. It never
// returns nil.
func CleanMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		if k == MetaStale || k == MetaUnplaced {
			continue
		}
		out[k] = v
	}
	return out
}

// EdgeKey identifies an edge: at most one edge per type per ordered pair.
type EdgeKey struct {
	SourceID string   `json:"sourceId"`
	TargetID string   `json:"targetId"`
	Type     EdgeType `json:"edgeType"`
}

// String renders the key as source|target|type.
func (k EdgeKey) String() string {
	return k.SourceID + "|" + k.TargetID + "|" + string(k.Type)
}

// Edge is a directed, typed relation between two nodes.
type Edge struct {
	SourceID string         `json:"sourceId"`
	TargetID string         `json:"targetId"`
	Type     EdgeType       `json:"edgeType"`
	Category EdgeCategory   `json:"category"`
	Metadata map[string]any `json:"metadata"`
}

// Key returns the identity of e.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{SourceID: e.SourceID, TargetID: e.TargetID, Type: e.Type}
}

// Other returns the endpoint of e that is not nodeID.
func (e *Edge) Other(nodeID string) string {
	if e.SourceID == nodeID {
		return e.TargetID
	}
	return e.SourceID
}

// GrowthEdge builds the containment edge from parentID to childID.
func GrowthEdge(parentID, childID string) *Edge {
	return &Edge{
		SourceID: parentID,
		TargetID: childID,
		Type:     EdgeContains,
		Category: CategoryGrowth,
		Metadata: map[string]any{},
	}
}

// GenerateID creates a deterministic code leaf id from its type, file path
// and symbol name.
// Format: {type}:{file_path}:{symbol_name}
func GenerateID(nodeType NodeType, filePath, symbolName string) string {
	if symbolName == "" {
		return string(nodeType) + ":" + filePath
	}
	return string(nodeType) + ":" + filePath + ":" + symbolName
}

// KnowledgeID returns the id of a knowledge leaf of the given type and slug.
func KnowledgeID(nodeType NodeType, slug string) string {
	return "knowledge:" + string(nodeType) + ":" + slug
}
