// Package engine is the entry point for every Arbor operation.
//
// An Engine owns one open store and exposes the mutations (seed, graft,
// uproot, compound, stale) and queries (search, fetch, explore, impact,
// status) behind validated request types. Each call is logged and counted.
// The MCP server, the CLI and the file watcher all go through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Benny93/arbor-go/internal/config"
	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/metrics"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/traversal"
	"github.com/Benny93/arbor-go/internal/tree"
)

// ErrNoSelector is returned by Fetch when nothing selects nodes.
var ErrNoSelector = fmt.Errorf("%w: at least one of nodeIds, featurePaths or filter is required", graph.ErrInvalidInput)

// Options configures an Engine. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Writer renders knowledge documents. Nil disables them.
	Writer knowledge.DocumentWriter
}

// Engine runs Arbor operations against one store.
type Engine struct {
	store      storage.Backend
	mutator    *tree.Mutator
	compounder *knowledge.Compounder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	validate   *validator.Validate
}

// New wraps an open store.
func New(store storage.Backend, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mutator := tree.NewMutator(store, logger.With("component", "mutator"))
	return &Engine{
		store:      store,
		mutator:    mutator,
		compounder: knowledge.NewCompounder(store, mutator, opts.Writer, logger.With("component", "compound")),
		metrics:    opts.Metrics,
		logger:     logger,
		validate:   newValidator(),
	}
}

// Open opens the store configured in cfg, creates the root branch if needed
// and records the project root.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.Open(ctx, storage.Options{
		Kind:   cfg.Backend(),
		Path:   cfg.StoragePath(),
		Logger: logger.With("component", "storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Backend(), err)
	}

	e := New(store, opts)
	if err := e.Init(ctx, cfg.ProjectRoot); err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

// Init makes sure the root branch exists and records projectRoot when it
// is not empty.
func (e *Engine) Init(ctx context.Context, projectRoot string) error {
	created, err := e.mutator.EnsureRoot(ctx)
	if err != nil {
		return fmt.Errorf("creating root: %w", err)
	}
	if created {
		e.logger.Info("root branch created")
	}
	if projectRoot == "" {
		return nil
	}
	return e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.SetMeta(storage.MetaProjectRoot, projectRoot)
	})
}

// Close closes the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// observe is deferred by every operation with a pointer to its named error.
func (e *Engine) observe(op string, start time.Time, errp *error) {
	err := *errp
	e.metrics.Observe(op, start, err)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, graph.ErrInvalidInput) {
			level = slog.LevelDebug
		}
		e.logger.Log(context.Background(), level, "operation failed", "op", op, "error", err)
		return
	}
	e.logger.Debug("operation done", "op", op, "duration", time.Since(start))
}

// Seed creates or updates leaves.
func (e *Engine) Seed(ctx context.Context, req *SeedRequest) (res *tree.SeedResult, err error) {
	defer e.observe("seed", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	if res, err = e.mutator.Seed(ctx, req.Nodes); err != nil {
		return nil, err
	}
	e.metrics.AddItems("seed", "nodes_created", res.Created)
	e.metrics.AddItems("seed", "nodes_updated", res.Updated)
	return res, nil
}

// Graft creates or updates branches and adds edges.
func (e *Engine) Graft(ctx context.Context, req *GraftRequest) (res *tree.GraftResult, err error) {
	defer e.observe("graft", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	if res, err = e.mutator.Graft(ctx, req.Branches, req.Edges); err != nil {
		return nil, err
	}
	e.metrics.AddItems("graft", "nodes_created", res.BranchesCreated)
	e.metrics.AddItems("graft", "nodes_updated", res.BranchesUpdated)
	e.metrics.AddItems("graft", "edges_created", res.EdgesCreated)
	return res, nil
}

// Uproot deletes nodes and edges and prunes emptied branches.
func (e *Engine) Uproot(ctx context.Context, req *UprootRequest) (res *tree.UprootResult, err error) {
	defer e.observe("uproot", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	if res, err = e.mutator.Uproot(ctx, req.NodeIDs, req.EdgeKeys); err != nil {
		return nil, err
	}
	e.metrics.AddItems("uproot", "nodes_removed", res.NodesRemoved)
	e.metrics.AddItems("uproot", "edges_removed", res.EdgesRemoved)
	e.metrics.AddItems("uproot", "orphans_pruned", res.OrphansPruned)
	return res, nil
}

// Search runs a ranked full-text search.
func (e *Engine) Search(ctx context.Context, req *SearchRequest) (res *search.Result, err error) {
	defer e.observe("search", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	err = e.store.View(ctx, func(r storage.Reader) error {
		res, err = search.Search(r, search.Query{
			Text:       req.Query,
			Mode:       req.Mode,
			Scope:      req.Scope,
			MaxResults: req.MaxResults,
			NodeTypes:  req.NodeTypeFilter,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Fetch returns the selected nodes with their children and, on request,
// their root-category neighbors. Nodes selected by id come first, in
// request order, followed by nodes selected by feature path prefix. A
// filter alone selects every node carrying the flag; combined with ids or
// prefixes it narrows that selection.
func (e *Engine) Fetch(ctx context.Context, req *FetchRequest) (res *FetchResult, err error) {
	defer e.observe("fetch", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	if len(req.NodeIDs) == 0 && len(req.FeaturePaths) == 0 && req.Filter == "" {
		return nil, ErrNoSelector
	}

	res = &FetchResult{Results: []FetchItem{}}
	err = e.store.View(ctx, func(r storage.Reader) error {
		sub, err := selectNodes(r, req)
		if err != nil {
			return err
		}
		for _, n := range sub.Nodes() {
			item := FetchItem{Node: n, Stale: n.Stale}
			if item.Children, err = r.Children(n.ID); err != nil {
				return err
			}
			if req.IncludeDependencies {
				if item.Dependencies, err = dependencies(r, n.ID); err != nil {
					return err
				}
			}
			res.Results = append(res.Results, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func selectNodes(r storage.Reader, req *FetchRequest) (*graph.Subgraph, error) {
	sub := graph.NewSubgraph()

	if len(req.NodeIDs) > 0 {
		nodes, err := r.GetNodes(req.NodeIDs)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			sub.AddNode(n)
		}
	}
	for _, prefix := range req.FeaturePaths {
		nodes, err := r.NodesByPathPrefix(prefix)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			sub.AddNode(n)
		}
	}

	if req.Filter == "" {
		return sub, nil
	}
	if len(req.NodeIDs) > 0 || len(req.FeaturePaths) > 0 {
		sub.Filter(req.Filter.Matches)
		return sub, nil
	}
	nodes, err := r.NodesByFlag(req.Filter)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		sub.AddNode(n)
	}
	return sub, nil
}

// dependencies lists root edges leaving id, then root edges entering it.
func dependencies(r storage.Reader, id string) ([]*graph.Edge, error) {
	out, err := r.Outgoing(id, graph.CategoryRoot)
	if err != nil {
		return nil, err
	}
	in, err := r.Incoming(id, graph.CategoryRoot)
	if err != nil {
		return nil, err
	}
	return append(append(make([]*graph.Edge, 0, len(out)+len(in)), out...), in...), nil
}

// Explore walks the graph breadth-first from the start nodes.
func (e *Engine) Explore(ctx context.Context, req *ExploreRequest) (res *traversal.Result, err error) {
	defer e.observe("explore", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	err = e.store.View(ctx, func(r storage.Reader) error {
		res, err = traversal.Traverse(r, req.StartNodeIDs, traversal.Options{
			Direction:  req.Direction,
			Depth:      req.Depth,
			EdgeTypes:  req.EdgeTypeFilter,
			NodeTypes:  req.NodeTypeFilter,
			Categories: req.EdgeCategoryFilter,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Impact returns everything within reach of the given nodes in both
// directions.
func (e *Engine) Impact(ctx context.Context, req *ImpactRequest) (res *traversal.Result, err error) {
	defer e.observe("impact", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	err = e.store.View(ctx, func(r storage.Reader) error {
		res, err = traversal.ImpactRadius(r, req.NodeIDs, req.Depth)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Compound records a knowledge entry.
func (e *Engine) Compound(ctx context.Context, req *CompoundRequest) (res *knowledge.Result, err error) {
	defer e.observe("compound", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	if res, err = e.compounder.Compound(ctx, req); err != nil {
		return nil, err
	}
	e.metrics.AddItems("compound", "edges_created", res.EdgesCreated)
	return res, nil
}

// MarkStale flags the given nodes stale.
func (e *Engine) MarkStale(ctx context.Context, req *StaleRequest) (res *StaleResult, err error) {
	defer e.observe("stale", time.Now(), &err)
	if err = e.check(req); err != nil {
		return nil, err
	}
	n, err := e.mutator.MarkStale(ctx, req.NodeIDs)
	if err != nil {
		return nil, err
	}
	e.metrics.AddItems("stale", "nodes_marked", n)
	return &StaleResult{Marked: n}, nil
}

// MarkFilesStale flags the code leaves recorded for the given
// project-relative, slash-separated file paths: the file leaf itself and
// every class, function or method leaf under it.
func (e *Engine) MarkFilesStale(ctx context.Context, paths []string) (n int, err error) {
	defer e.observe("stale_files", time.Now(), &err)
	var ids, prefixes []string
	for _, p := range paths {
		for _, t := range graph.CodeNodeTypes() {
			if t == graph.NodeFile {
				ids = append(ids, graph.GenerateID(t, p, ""))
				continue
			}
			prefixes = append(prefixes, graph.GenerateID(t, p, "")+":")
		}
	}
	if n, err = e.mutator.MarkStaleByPrefix(ctx, ids, prefixes); err != nil {
		return 0, err
	}
	e.metrics.AddItems("stale_files", "nodes_marked", n)
	return n, nil
}

// Status summarizes the store.
func (e *Engine) Status(ctx context.Context) (res *StatusResult, err error) {
	defer e.observe("status", time.Now(), &err)
	res = &StatusResult{}
	err = e.store.View(ctx, func(r storage.Reader) error {
		if res.Stats, err = r.Stats(); err != nil {
			return err
		}
		if res.ProjectRoot, _, err = r.Meta(storage.MetaProjectRoot); err != nil {
			return err
		}
		res.SchemaVersion, _, err = r.Meta(storage.MetaSchemaVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
