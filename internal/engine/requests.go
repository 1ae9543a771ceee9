package engine

import (
	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/traversal"
	"github.com/Benny93/arbor-go/internal/tree"
)

// SeedRequest upserts leaves.
type SeedRequest struct {
	Nodes []tree.LeafRecord `json:"nodes" validate:"required,min=1,dive" jsonschema:"leaf nodes to create or update"`
}

// GraftRequest upserts branches and edges.
type GraftRequest struct {
	Branches []tree.BranchRecord `json:"branches,omitempty" validate:"dive" jsonschema:"branch nodes to create or update"`
	Edges    []tree.EdgeRecord   `json:"edges,omitempty" validate:"dive" jsonschema:"root or knowledge edges to create; growth edges are ignored"`
}

// UprootRequest deletes nodes and edges.
type UprootRequest struct {
	NodeIDs  []string        `json:"nodeIds,omitempty" jsonschema:"ids of nodes to delete; the root is never deleted"`
	EdgeKeys []graph.EdgeKey `json:"edgeKeys,omitempty" validate:"dive" jsonschema:"edges to delete"`
}

// SearchRequest runs a ranked full-text search.
type SearchRequest struct {
	Query          string           `json:"query" validate:"required" jsonschema:"free-text query"`
	Mode           search.Mode      `json:"mode,omitempty" validate:"omitempty,searchmode" jsonschema:"features matches labels and paths, snippets matches descriptors, auto matches everything"`
	Scope          []string         `json:"scope,omitempty" jsonschema:"feature path prefixes to search under"`
	MaxResults     int              `json:"maxResults,omitempty" validate:"omitempty,min=1,max=100" jsonschema:"result cap, default 20"`
	NodeTypeFilter []graph.NodeType `json:"nodeTypeFilter,omitempty" validate:"dive,nodetype" jsonschema:"node types to return"`
}

// FetchRequest selects nodes by id, feature path prefix or flag.
type FetchRequest struct {
	NodeIDs             []string     `json:"nodeIds,omitempty" jsonschema:"node ids to fetch"`
	FeaturePaths        []string     `json:"featurePaths,omitempty" jsonschema:"feature path prefixes to fetch"`
	IncludeDependencies bool         `json:"includeDependencies,omitempty" jsonschema:"include one hop of root edges"`
	Filter              storage.Flag `json:"filter,omitempty" validate:"omitempty,oneof=unplaced stale" jsonschema:"keep only unplaced or stale nodes"`
}

// FetchItem is one fetched node with its surroundings.
type FetchItem struct {
	Node         *graph.Node   `json:"node"`
	Children     []*graph.Node `json:"children"`
	Dependencies []*graph.Edge `json:"dependencies,omitempty"`
	Stale        bool          `json:"stale"`
}

// FetchResult lists fetched nodes in selection order.
type FetchResult struct {
	Results []FetchItem `json:"results"`
}

// ExploreRequest walks the graph from start nodes.
type ExploreRequest struct {
	StartNodeIDs       []string             `json:"startNodeIds" validate:"required,min=1" jsonschema:"ids to start from"`
	Direction          traversal.Direction  `json:"direction" validate:"required,direction" jsonschema:"edge direction to follow"`
	Depth              int                  `json:"depth,omitempty" validate:"omitempty,min=1,max=10" jsonschema:"maximum hops, default 3"`
	NodeTypeFilter     []graph.NodeType     `json:"nodeTypeFilter,omitempty" validate:"dive,nodetype" jsonschema:"node types to return; traversal still passes through others"`
	EdgeTypeFilter     []graph.EdgeType     `json:"edgeTypeFilter,omitempty" validate:"dive,edgetype" jsonschema:"edge types to follow"`
	EdgeCategoryFilter []graph.EdgeCategory `json:"edgeCategoryFilter,omitempty" validate:"dive,edgecategory" jsonschema:"edge categories to follow, default root and knowledge"`
}

// ImpactRequest finds the code and knowledge around nodes.
type ImpactRequest struct {
	NodeIDs []string `json:"nodeIds" validate:"required,min=1" jsonschema:"ids of changed nodes"`
	Depth   int      `json:"depth,omitempty" validate:"omitempty,min=1,max=10" jsonschema:"maximum hops, default 2"`
}

// CompoundRequest records a knowledge entry.
type CompoundRequest = knowledge.Entry

// StaleRequest flags nodes stale.
type StaleRequest struct {
	NodeIDs []string `json:"nodeIds" validate:"required,min=1" jsonschema:"ids of nodes whose facts may be outdated"`
}

// StaleResult counts flagged nodes.
type StaleResult struct {
	Marked int `json:"marked"`
}

// StatusResult summarizes the store.
type StatusResult struct {
	storage.Stats
	ProjectRoot   string `json:"projectRoot"`
	SchemaVersion string `json:"schemaVersion"`
}
