// Package tree implements the mutations of the Arbor hierarchy.
//
// Seed upserts leaves, Graft upserts branches and free-form edges, and
// Uproot deletes nodes and edges before pruning branches left empty. Each
// call runs in a single storage transaction, so a failure anywhere in a
// batch leaves the store untouched. Every mutation keeps the growth edge of
// a node in step with its parent.
package tree

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
)

// LeafRecord describes a leaf to seed.
type LeafRecord struct {
	ID       string         `json:"id" validate:"required,max=512"`
	NodeType graph.NodeType `json:"nodeType" validate:"required,leaftype"`
	Feature  string         `json:"feature" validate:"required"`
	Features []string       `json:"features,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
}

// BranchRecord describes a branch to graft.
type BranchRecord struct {
	ID       string         `json:"id" validate:"required,max=512"`
	NodeType graph.NodeType `json:"nodeType" validate:"required,branchtype"`
	Feature  string         `json:"feature" validate:"required"`
	ParentID string         `json:"parentId,omitempty"`
}

// EdgeRecord describes an edge to graft.
type EdgeRecord struct {
	SourceID string             `json:"sourceId" validate:"required"`
	TargetID string             `json:"targetId" validate:"required"`
	Type     graph.EdgeType     `json:"edgeType" validate:"required,edgetype"`
	Category graph.EdgeCategory `json:"category" validate:"required,edgecategory"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// SeedResult counts the leaves written by Seed.
type SeedResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// GraftResult counts the branches and edges written by Graft.
type GraftResult struct {
	BranchesCreated int `json:"branchesCreated"`
	BranchesUpdated int `json:"branchesUpdated"`
	EdgesCreated    int `json:"edgesCreated"`
}

// UprootResult counts what Uproot removed.
type UprootResult struct {
	NodesRemoved  int `json:"nodesRemoved"`
	EdgesRemoved  int `json:"edgesRemoved"`
	OrphansPruned int `json:"orphansPruned"`
}

// Mutator applies batched tree mutations to a store.
type Mutator struct {
	store  storage.Backend
	logger *slog.Logger
}

// NewMutator creates a Mutator. A nil logger means slog.Default().
func NewMutator(store storage.Backend, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{store: store, logger: logger}
}

// EnsureRoot creates the root branch if it is missing and reports whether
// it did.
func (m *Mutator) EnsureRoot(ctx context.Context) (bool, error) {
	created := false
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		root, err := tx.GetNode(graph.RootID)
		if err != nil || root != nil {
			return err
		}
		created = true
		return tx.PutNode(graph.NewRoot())
	})
	if err != nil {
		return false, fmt.Errorf("ensuring root: %w", err)
	}
	return created, nil
}

// Seed upserts leaves. Re-seeding clears the stale flag, and a leaf without
// a parent is marked unplaced. The root id is skipped.
func (m *Mutator) Seed(ctx context.Context, leaves []LeafRecord) (*SeedResult, error) {
	for _, rec := range leaves {
		if !rec.NodeType.IsLeaf() {
			return nil, fmt.Errorf("%w: seed %s: %q is not a leaf type", graph.ErrInvalidInput, rec.ID, rec.NodeType)
		}
	}

	result := &SeedResult{}
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		result = &SeedResult{}
		for _, rec := range leaves {
			if rec.ID == graph.RootID {
				continue
			}

			existing, err := tx.GetNode(rec.ID)
			if err != nil {
				return err
			}
			path, err := BuildFeaturePath(tx, rec.ParentID, rec.Feature)
			if err != nil {
				return err
			}

			node := &graph.Node{
				ID:          rec.ID,
				Level:       graph.LevelLeaf,
				NodeType:    rec.NodeType,
				Feature:     rec.Feature,
				Features:    append([]string{}, rec.Features...),
				Metadata:    graph.CleanMetadata(rec.Metadata),
				Unplaced:    rec.ParentID == "",
				ParentID:    rec.ParentID,
				FeaturePath: path,
			}
			if err := m.upsert(tx, existing, node); err != nil {
				return err
			}

			if existing != nil {
				result.Updated++
			} else {
				result.Created++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seeding %d leaves: %w", len(leaves), err)
	}

	m.logger.Debug("seeded leaves", "created", result.Created, "updated", result.Updated)
	return result, nil
}

// Graft upserts branches and then writes edges. Growth edges in the input
// are ignored; they only ever follow parent ids. Linking a node through any
// other edge clears its unplaced flag.
func (m *Mutator) Graft(ctx context.Context, branches []BranchRecord, edges []EdgeRecord) (*GraftResult, error) {
	for _, rec := range branches {
		if !rec.NodeType.IsBranch() {
			return nil, fmt.Errorf("%w: graft %s: %q is not a branch type", graph.ErrInvalidInput, rec.ID, rec.NodeType)
		}
	}

	result := &GraftResult{}
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		result = &GraftResult{}
		for _, rec := range branches {
			if rec.ID == graph.RootID {
				continue
			}

			existing, err := tx.GetNode(rec.ID)
			if err != nil {
				return err
			}
			path, err := BuildFeaturePath(tx, rec.ParentID, rec.Feature)
			if err != nil {
				return err
			}

			node := &graph.Node{
				ID:          rec.ID,
				Level:       graph.LevelBranch,
				NodeType:    rec.NodeType,
				Feature:     rec.Feature,
				Features:    []string{},
				Metadata:    map[string]any{},
				ParentID:    rec.ParentID,
				FeaturePath: path,
			}
			if existing != nil {
				node.Features = existing.Features
				node.Metadata = existing.Metadata
				node.Stale = existing.Stale
			}
			if err := m.upsert(tx, existing, node); err != nil {
				return err
			}

			if existing != nil {
				result.BranchesUpdated++
			} else {
				result.BranchesCreated++
			}
		}

		for _, rec := range edges {
			if rec.Category == graph.CategoryGrowth {
				m.logger.Debug("ignoring growth edge in graft", "source", rec.SourceID, "target", rec.TargetID)
				continue
			}
			if err := placeTarget(tx, rec.TargetID); err != nil {
				return err
			}
			err := tx.PutEdge(&graph.Edge{
				SourceID: rec.SourceID,
				TargetID: rec.TargetID,
				Type:     rec.Type,
				Category: rec.Category,
				Metadata: rec.Metadata,
			})
			if err != nil {
				return err
			}
			result.EdgesCreated++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grafting %d branches and %d edges: %w", len(branches), len(edges), err)
	}

	m.logger.Debug("grafted",
		"branches_created", result.BranchesCreated,
		"branches_updated", result.BranchesUpdated,
		"edges", result.EdgesCreated,
	)
	return result, nil
}

// Link writes an edge of the given type from sourceID to every target that
// exists when the batch runs. Missing and repeated targets are skipped, so
// a target removed concurrently never leaves a dangling edge. It returns
// the number of edges written.
func (m *Mutator) Link(ctx context.Context, sourceID string, targetIDs []string, edgeType graph.EdgeType, category graph.EdgeCategory) (int, error) {
	if category == graph.CategoryGrowth {
		return 0, fmt.Errorf("%w: growth edges follow parent ids", graph.ErrInvalidInput)
	}

	linked := 0
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		linked = 0
		targets, err := tx.GetNodes(targetIDs)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(targets))
		for _, n := range targets {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			if err := placeTarget(tx, n.ID); err != nil {
				return err
			}
			err := tx.PutEdge(&graph.Edge{
				SourceID: sourceID,
				TargetID: n.ID,
				Type:     edgeType,
				Category: category,
			})
			if err != nil {
				return err
			}
			linked++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("linking %s: %w", sourceID, err)
	}

	m.logger.Debug("linked", "source", sourceID, "edges", linked)
	return linked, nil
}

// Uproot deletes nodes and edges, then prunes the branches left empty by
// the node deletions. The root is never deleted; missing ids and keys are
// skipped.
func (m *Mutator) Uproot(ctx context.Context, nodeIDs []string, edgeKeys []graph.EdgeKey) (*UprootResult, error) {
	result := &UprootResult{}
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		result = &UprootResult{}
		var parents []string

		for _, id := range nodeIDs {
			if id == graph.RootID {
				continue
			}
			node, err := tx.GetNode(id)
			if err != nil {
				return err
			}
			if node == nil {
				continue
			}
			parents = append(parents, node.ParentID)
			if err := tx.DeleteNode(id); err != nil {
				return err
			}
			result.NodesRemoved++
		}

		for _, key := range edgeKeys {
			removed, err := tx.DeleteEdge(key)
			if err != nil {
				return err
			}
			if removed {
				result.EdgesRemoved++
			}
		}

		for _, parentID := range parents {
			pruned, err := PruneOrphans(tx, parentID)
			if err != nil {
				return err
			}
			result.OrphansPruned += pruned
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uprooting: %w", err)
	}

	m.logger.Debug("uprooted",
		"nodes", result.NodesRemoved,
		"edges", result.EdgesRemoved,
		"orphans", result.OrphansPruned,
	)
	return result, nil
}

// MarkStale flags the given nodes stale and returns how many it flagged.
// The root and missing ids are skipped.
func (m *Mutator) MarkStale(ctx context.Context, ids []string) (int, error) {
	return m.MarkStaleByPrefix(ctx, ids, nil)
}

// MarkStaleByPrefix flags stale the nodes with the given ids and every node
// whose id starts with one of the prefixes. Nodes already stale are not
// counted.
func (m *Mutator) MarkStaleByPrefix(ctx context.Context, ids, prefixes []string) (int, error) {
	marked := 0
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		marked = 0
		targets, err := tx.GetNodes(ids)
		if err != nil {
			return err
		}
		for _, prefix := range prefixes {
			if prefix == "" {
				continue
			}
			matched, err := tx.NodesByIDPrefix(prefix)
			if err != nil {
				return err
			}
			targets = append(targets, matched...)
		}

		seen := make(map[string]struct{}, len(targets))
		for _, n := range targets {
			if _, dup := seen[n.ID]; dup || n.IsRoot() || n.Stale {
				continue
			}
			seen[n.ID] = struct{}{}
			n.Stale = true
			if err := tx.PutNode(n); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("marking stale: %w", err)
	}
	if marked > 0 {
		m.logger.Info("marked nodes stale", "count", marked)
	}
	return marked, nil
}

// upsert writes node and reconciles its growth edge with the previous
// parent of existing.
func (m *Mutator) upsert(tx storage.Tx, existing, node *graph.Node) error {
	if err := tx.PutNode(node); err != nil {
		return err
	}

	oldParent := ""
	if existing != nil {
		oldParent = existing.ParentID
	}
	if oldParent != "" && oldParent != node.ParentID {
		key := graph.EdgeKey{SourceID: oldParent, TargetID: node.ID, Type: graph.EdgeContains}
		if _, err := tx.DeleteEdge(key); err != nil {
			return fmt.Errorf("removing growth edge %s: %w", key, err)
		}
	}
	if node.ParentID != "" {
		if err := tx.PutEdge(graph.GrowthEdge(node.ParentID, node.ID)); err != nil {
			return fmt.Errorf("writing growth edge for %s: %w", node.ID, err)
		}
	}
	return nil
}

// placeTarget clears the unplaced flag of the edge target, if it exists.
func placeTarget(tx storage.Tx, id string) error {
	target, err := tx.GetNode(id)
	if err != nil || target == nil || !target.Unplaced {
		return err
	}
	target.Unplaced = false
	return tx.PutNode(target)
}
