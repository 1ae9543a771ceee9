package mcp

import (
	"context"

	"github.com/Benny93/arbor-go/internal/engine"
	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/traversal"
	"github.com/Benny93/arbor-go/internal/tree"
)

// Tool names.
const (
	ToolSeed     = "arbor_seed"
	ToolGraft    = "arbor_graft"
	ToolUproot   = "arbor_uproot"
	ToolSearch   = "arbor_search"
	ToolFetch    = "arbor_fetch"
	ToolExplore  = "arbor_explore"
	ToolImpact   = "arbor_impact"
	ToolCompound = "arbor_compound"
	ToolStale    = "arbor_stale"
	ToolStatus   = "arbor_status"
)

type statusInput struct{}

func (s *Server) registerTools() {
	e := s.engine

	addTool(s, ToolSeed,
		"Create or update leaf nodes (code elements and knowledge). "+
			"A leaf with parentId hangs under that branch; without it the leaf is unplaced. "+
			"Re-seeding a node clears its stale flag.",
		inputSchema[engine.SeedRequest](map[string][]any{
			"nodes.nodeType": leafTypes(),
		}),
		func(ctx context.Context, in *engine.SeedRequest) (*tree.SeedResult, error) {
			return e.Seed(ctx, in)
		})

	addTool(s, ToolGraft,
		"Create or update branch nodes and add root or knowledge edges. "+
			"Growth edges follow parentId automatically and are ignored here. "+
			"An edge target that is an unplaced leaf becomes placed.",
		inputSchema[engine.GraftRequest](map[string][]any{
			"branches.nodeType": branchTypes(),
			"edges.edgeType":    enumOf(graph.EdgeTypes...),
			"edges.category":    enumOf(graph.CategoryRoot, graph.CategoryKnowledge),
		}),
		func(ctx context.Context, in *engine.GraftRequest) (*tree.GraftResult, error) {
			return e.Graft(ctx, in)
		})

	addTool(s, ToolUproot,
		"Delete nodes and edges. Branches left without children are pruned up the tree. "+
			"The root is never deleted.",
		inputSchema[engine.UprootRequest](map[string][]any{
			"edgeKeys.edgeType": enumOf(graph.EdgeTypes...),
		}),
		func(ctx context.Context, in *engine.UprootRequest) (*tree.UprootResult, error) {
			return e.Uproot(ctx, in)
		})

	addTool(s, ToolSearch,
		"Ranked full-text search over feature labels, descriptors and feature paths. "+
			"Operator characters in the query are ignored.",
		inputSchema[engine.SearchRequest](map[string][]any{
			"mode":           enumOf(search.Modes...),
			"nodeTypeFilter": enumOf(graph.NodeTypes...),
		}),
		func(ctx context.Context, in *engine.SearchRequest) (*search.Result, error) {
			return e.Search(ctx, in)
		})

	addTool(s, ToolFetch,
		"Fetch nodes by id, feature path prefix or flag, with their children and optionally "+
			"their direct code dependencies.",
		inputSchema[engine.FetchRequest](map[string][]any{
			"filter": enumOf(storage.FlagUnplaced, storage.FlagStale),
		}),
		func(ctx context.Context, in *engine.FetchRequest) (*engine.FetchResult, error) {
			return e.Fetch(ctx, in)
		})

	addTool(s, ToolExplore,
		"Walk the graph breadth-first from start nodes and return the reached nodes, "+
			"the edges walked, the path to each node and warnings for stale nodes.",
		inputSchema[engine.ExploreRequest](map[string][]any{
			"direction":          enumOf(traversal.Directions...),
			"nodeTypeFilter":     enumOf(graph.NodeTypes...),
			"edgeTypeFilter":     enumOf(graph.EdgeTypes...),
			"edgeCategoryFilter": enumOf(graph.EdgeCategories...),
		}),
		func(ctx context.Context, in *engine.ExploreRequest) (*traversal.Result, error) {
			return e.Explore(ctx, in)
		})

	addTool(s, ToolImpact,
		"Find the code and knowledge connected to the given nodes in either direction, "+
			"for example before changing them.",
		inputSchema[engine.ImpactRequest](nil),
		func(ctx context.Context, in *engine.ImpactRequest) (*traversal.Result, error) {
			return e.Impact(ctx, in)
		})

	addTool(s, ToolCompound,
		"Record a solution, pattern or pitfall as a knowledge leaf, link it to the nodes "+
			"it documents and write it to docs/solutions.",
		inputSchema[engine.CompoundRequest](map[string][]any{
			"type":     knowledgeTypes(),
			"severity": enumOf(knowledge.Severities...),
		}),
		func(ctx context.Context, in *engine.CompoundRequest) (*knowledge.Result, error) {
			return e.Compound(ctx, in)
		})

	addTool(s, ToolStale,
		"Flag nodes whose recorded facts may no longer match the source.",
		inputSchema[engine.StaleRequest](nil),
		func(ctx context.Context, in *engine.StaleRequest) (*engine.StaleResult, error) {
			return e.MarkStale(ctx, in)
		})

	addTool(s, ToolStatus,
		"Report node and edge counts of the graph.",
		inputSchema[statusInput](nil),
		func(ctx context.Context, _ *statusInput) (*engine.StatusResult, error) {
			return e.Status(ctx)
		})
}
