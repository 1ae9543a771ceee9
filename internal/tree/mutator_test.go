package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/storage/storagetest"
)

func setupTestMutator(t *testing.T, b storage.Backend) *Mutator {
	t.Helper()
	m := NewMutator(b, nil)
	_, err := m.EnsureRoot(context.Background())
	require.NoError(t, err)
	return m
}

func getNode(t *testing.T, b storage.Backend, id string) *graph.Node {
	t.Helper()
	var n *graph.Node
	require.NoError(t, b.View(context.Background(), func(r storage.Reader) error {
		var err error
		n, err = r.GetNode(id)
		return err
	}))
	return n
}

func getEdge(t *testing.T, b storage.Backend, src, tgt string, et graph.EdgeType) *graph.Edge {
	t.Helper()
	var e *graph.Edge
	require.NoError(t, b.View(context.Background(), func(r storage.Reader) error {
		var err error
		e, err = r.GetEdge(graph.EdgeKey{SourceID: src, TargetID: tgt, Type: et})
		return err
	}))
	return e
}

func TestMutator_EnsureRoot(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := NewMutator(b, nil)
		ctx := context.Background()

		created, err := m.EnsureRoot(ctx)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = m.EnsureRoot(ctx)
		require.NoError(t, err)
		assert.False(t, created)

		root := getNode(t, b, graph.RootID)
		require.NotNil(t, root)
		assert.Equal(t, graph.LevelBranch, root.Level)
		assert.Empty(t, root.ParentID)
		assert.Empty(t, root.FeaturePath)
	})
}

func TestMutator_Seed(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		res, err := m.Seed(ctx, []LeafRecord{
			{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A", Metadata: map[string]any{"stale": true, "lang": "go"}},
			{ID: "file:b.go", NodeType: graph.NodeFile, Feature: "B", Features: []string{"b things"}},
		})
		require.NoError(t, err)
		assert.Equal(t, &SeedResult{Created: 2}, res)

		a := getNode(t, b, "file:a.go")
		require.NotNil(t, a)
		assert.Equal(t, graph.LevelLeaf, a.Level)
		assert.True(t, a.Unplaced)
		assert.False(t, a.Stale, "stale metadata from the caller is dropped")
		assert.Equal(t, map[string]any{"lang": "go"}, a.Metadata)
		assert.Equal(t, "A", a.FeaturePath)

		created := a.CreatedAt
		res, err = m.Seed(ctx, []LeafRecord{{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A2"}})
		require.NoError(t, err)
		assert.Equal(t, &SeedResult{Updated: 1}, res)

		a = getNode(t, b, "file:a.go")
		assert.Equal(t, "A2", a.Feature)
		assert.True(t, created.Equal(a.CreatedAt), "created_at survives re-seeding")
	})
}

func TestMutator_SeedRejectsBranchTypes(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)

		_, err := m.Seed(context.Background(), []LeafRecord{
			{ID: "ok", NodeType: graph.NodeFile, Feature: "ok"},
			{ID: "bad", NodeType: graph.NodeCategory, Feature: "bad"},
		})
		require.ErrorIs(t, err, graph.ErrInvalidInput)
		assert.Nil(t, getNode(t, b, "ok"), "nothing is written when a record is invalid")
	})
}

func TestMutator_SeedSkipsRoot(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)

		res, err := m.Seed(context.Background(), []LeafRecord{{ID: graph.RootID, NodeType: graph.NodeFile, Feature: "hijack"}})
		require.NoError(t, err)
		assert.Equal(t, &SeedResult{}, res)

		root := getNode(t, b, graph.RootID)
		assert.Equal(t, graph.LevelBranch, root.Level)
		assert.Equal(t, graph.RootFeature, root.Feature)
	})
}

func TestMutator_SeedClearsStale(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()
		rec := LeafRecord{ID: "function:x.go:F", NodeType: graph.NodeFunction, Feature: "F"}

		_, err := m.Seed(ctx, []LeafRecord{rec})
		require.NoError(t, err)
		marked, err := m.MarkStale(ctx, []string{rec.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, marked)
		assert.True(t, getNode(t, b, rec.ID).Stale)

		rec.Metadata = map[string]any{"stale": true}
		_, err = m.Seed(ctx, []LeafRecord{rec})
		require.NoError(t, err)
		assert.False(t, getNode(t, b, rec.ID).Stale)
	})
}

func TestMutator_GrowthEdgeFollowsParent(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Graft(ctx, []BranchRecord{
			{ID: "b1", NodeType: graph.NodeFunctionalArea, Feature: "Auth", ParentID: graph.RootID},
			{ID: "b2", NodeType: graph.NodeFunctionalArea, Feature: "Billing", ParentID: graph.RootID},
		}, nil)
		require.NoError(t, err)

		leafRec := LeafRecord{ID: "file:l.go", NodeType: graph.NodeFile, Feature: "L", ParentID: "b1"}
		_, err = m.Seed(ctx, []LeafRecord{leafRec})
		require.NoError(t, err)
		assert.NotNil(t, getEdge(t, b, "b1", leafRec.ID, graph.EdgeContains))
		assert.False(t, getNode(t, b, leafRec.ID).Unplaced)

		leafRec.ParentID = "b2"
		_, err = m.Seed(ctx, []LeafRecord{leafRec})
		require.NoError(t, err)
		assert.Nil(t, getEdge(t, b, "b1", leafRec.ID, graph.EdgeContains), "old growth edge is removed")
		e := getEdge(t, b, "b2", leafRec.ID, graph.EdgeContains)
		require.NotNil(t, e)
		assert.Equal(t, graph.CategoryGrowth, e.Category)
		assert.Equal(t, "Billing/L", getNode(t, b, leafRec.ID).FeaturePath)

		leafRec.ParentID = ""
		_, err = m.Seed(ctx, []LeafRecord{leafRec})
		require.NoError(t, err)
		assert.Nil(t, getEdge(t, b, "b2", leafRec.ID, graph.EdgeContains))
		n := getNode(t, b, leafRec.ID)
		assert.True(t, n.Unplaced)
		assert.Equal(t, "L", n.FeaturePath)
	})
}

func TestMutator_FeaturePaths(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Graft(ctx, []BranchRecord{
			{ID: "area", NodeType: graph.NodeFunctionalArea, Feature: "Auth", ParentID: graph.RootID},
			{ID: "cat", NodeType: graph.NodeCategory, Feature: "Login", ParentID: "area"},
			{ID: "loose", NodeType: graph.NodeCategory, Feature: "Loose"},
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, "Auth", getNode(t, b, "area").FeaturePath, "children of the root start a path")
		assert.Equal(t, "Auth/Login", getNode(t, b, "cat").FeaturePath)
		assert.Equal(t, "Loose", getNode(t, b, "loose").FeaturePath)

		_, err = m.Seed(ctx, []LeafRecord{{ID: "file:a", NodeType: graph.NodeFile, Feature: "A", ParentID: "cat"}})
		require.NoError(t, err)
		assert.Equal(t, "Auth/Login/A", getNode(t, b, "file:a").FeaturePath)
	})
}

func TestMutator_FeaturePathIsNotRecomputed(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Graft(ctx, []BranchRecord{{ID: "area", NodeType: graph.NodeFunctionalArea, Feature: "Auth", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)
		_, err = m.Seed(ctx, []LeafRecord{{ID: "file:a", NodeType: graph.NodeFile, Feature: "A", ParentID: "area"}})
		require.NoError(t, err)

		_, err = m.Graft(ctx, []BranchRecord{{ID: "area", NodeType: graph.NodeFunctionalArea, Feature: "Identity", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)

		assert.Equal(t, "Identity", getNode(t, b, "area").FeaturePath)
		assert.Equal(t, "Auth/A", getNode(t, b, "file:a").FeaturePath, "descendant paths keep the value computed at write time")
	})
}

func TestMutator_Graft(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Seed(ctx, []LeafRecord{
			{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A"},
			{ID: "file:b.go", NodeType: graph.NodeFile, Feature: "B"},
		})
		require.NoError(t, err)

		res, err := m.Graft(ctx,
			[]BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: graph.RootID}},
			[]EdgeRecord{
				{SourceID: "file:a.go", TargetID: "file:b.go", Type: graph.EdgeImports, Category: graph.CategoryRoot},
				{SourceID: "b1", TargetID: "file:a.go", Type: graph.EdgeContains, Category: graph.CategoryGrowth},
			},
		)
		require.NoError(t, err)
		assert.Equal(t, &GraftResult{BranchesCreated: 1, EdgesCreated: 1}, res)

		assert.Nil(t, getEdge(t, b, "b1", "file:a.go", graph.EdgeContains), "growth edges cannot be grafted")
		assert.True(t, getNode(t, b, "file:a.go").Unplaced, "source stays unplaced")
		assert.False(t, getNode(t, b, "file:b.go").Unplaced, "linked target is placed")

		res, err = m.Graft(ctx, []BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core v2", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)
		assert.Equal(t, &GraftResult{BranchesUpdated: 1}, res)
	})
}

func TestMutator_GraftRollsBackOnDanglingEdge(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)

		_, err := m.Graft(context.Background(),
			[]BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: graph.RootID}},
			[]EdgeRecord{{SourceID: "b1", TargetID: "missing", Type: graph.EdgeInvokes, Category: graph.CategoryRoot}},
		)
		require.ErrorIs(t, err, storage.ErrDanglingReference)
		assert.Nil(t, getNode(t, b, "b1"), "the branch of a failed graft is rolled back")
	})
}

func TestMutator_MissingParentRollsBack(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Seed(ctx, []LeafRecord{
			{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A"},
			{ID: "file:b.go", NodeType: graph.NodeFile, Feature: "B", ParentID: "missing"},
		})
		require.ErrorIs(t, err, storage.ErrDanglingReference)
		assert.Nil(t, getNode(t, b, "file:a.go"), "the whole seed batch is rolled back")

		_, err = m.Graft(ctx, []BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: "missing"}}, nil)
		require.ErrorIs(t, err, storage.ErrDanglingReference)
		assert.Nil(t, getNode(t, b, "b1"))
	})
}

func TestMutator_GraftKeepsBranchStale(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()
		rec := BranchRecord{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: graph.RootID}

		_, err := m.Graft(ctx, []BranchRecord{rec}, nil)
		require.NoError(t, err)
		_, err = m.MarkStale(ctx, []string{"b1"})
		require.NoError(t, err)
		_, err = m.Graft(ctx, []BranchRecord{rec}, nil)
		require.NoError(t, err)

		assert.True(t, getNode(t, b, "b1").Stale)
	})
}

func TestMutator_Link(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Seed(ctx, []LeafRecord{
			{ID: "knowledge:pitfall:retries", NodeType: graph.NodePitfall, Feature: "Retries", ParentID: graph.RootID},
			{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A"},
			{ID: "file:b.go", NodeType: graph.NodeFile, Feature: "B", ParentID: graph.RootID},
		})
		require.NoError(t, err)

		n, err := m.Link(ctx, "knowledge:pitfall:retries",
			[]string{"file:a.go", "missing", "file:b.go", "file:a.go"},
			graph.EdgeDocuments, graph.CategoryKnowledge)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "missing and repeated targets are skipped")

		e := getEdge(t, b, "knowledge:pitfall:retries", "file:a.go", graph.EdgeDocuments)
		require.NotNil(t, e)
		assert.Equal(t, graph.CategoryKnowledge, e.Category)
		assert.False(t, getNode(t, b, "file:a.go").Unplaced, "linked target is placed")

		n, err = m.Link(ctx, "knowledge:pitfall:retries", []string{"missing"}, graph.EdgeDocuments, graph.CategoryKnowledge)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = m.Link(ctx, "missing", []string{"file:a.go"}, graph.EdgeDocuments, graph.CategoryKnowledge)
		assert.ErrorIs(t, err, storage.ErrDanglingReference)

		_, err = m.Link(ctx, graph.RootID, []string{"file:a.go"}, graph.EdgeContains, graph.CategoryGrowth)
		assert.ErrorIs(t, err, graph.ErrInvalidInput)
	})
}

func TestMutator_Uproot(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Graft(ctx, []BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)
		_, err = m.Seed(ctx, []LeafRecord{
			{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A", ParentID: "b1"},
			{ID: "file:b.go", NodeType: graph.NodeFile, Feature: "B", ParentID: "b1"},
			{ID: "file:c.go", NodeType: graph.NodeFile, Feature: "C"},
		})
		require.NoError(t, err)
		_, err = m.Graft(ctx, nil, []EdgeRecord{
			{SourceID: "file:a.go", TargetID: "file:c.go", Type: graph.EdgeImports, Category: graph.CategoryRoot},
			{SourceID: "file:b.go", TargetID: "file:c.go", Type: graph.EdgeInvokes, Category: graph.CategoryRoot},
		})
		require.NoError(t, err)

		res, err := m.Uproot(ctx,
			[]string{graph.RootID, "file:a.go", "missing"},
			[]graph.EdgeKey{
				{SourceID: "file:b.go", TargetID: "file:c.go", Type: graph.EdgeInvokes},
				{SourceID: "file:b.go", TargetID: "file:c.go", Type: graph.EdgeImports},
			},
		)
		require.NoError(t, err)
		assert.Equal(t, &UprootResult{NodesRemoved: 1, EdgesRemoved: 1}, res, "b1 still has a child")

		assert.NotNil(t, getNode(t, b, graph.RootID))
		assert.Nil(t, getNode(t, b, "file:a.go"))
		assert.Nil(t, getEdge(t, b, "file:a.go", "file:c.go", graph.EdgeImports), "edges cascade with the node")
		assert.NotNil(t, getNode(t, b, "b1"))
	})
}

func TestMutator_UprootPrunesOnlyForNodeDeletions(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Graft(ctx, []BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "Core", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)
		_, err = m.Seed(ctx, []LeafRecord{{ID: "file:a.go", NodeType: graph.NodeFile, Feature: "A", ParentID: "b1"}})
		require.NoError(t, err)

		res, err := m.Uproot(ctx, nil, []graph.EdgeKey{{SourceID: "b1", TargetID: "file:a.go", Type: graph.EdgeContains}})
		require.NoError(t, err)
		assert.Equal(t, &UprootResult{EdgesRemoved: 1}, res)
		assert.NotNil(t, getNode(t, b, "b1"))
	})
}

// TestMutator_Lifecycle walks a leaf from unplaced to placed to removed.
func TestMutator_Lifecycle(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Seed(ctx, []LeafRecord{{ID: "f1", NodeType: graph.NodeFile, Feature: "f1"}})
		require.NoError(t, err)
		assert.True(t, getNode(t, b, "f1").Unplaced)

		_, err = m.Graft(ctx, []BranchRecord{{ID: "b1", NodeType: graph.NodeCategory, Feature: "b1", ParentID: graph.RootID}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "b1", getNode(t, b, "b1").FeaturePath)

		res, err := m.Seed(ctx, []LeafRecord{{ID: "f1", NodeType: graph.NodeFile, Feature: "f1", ParentID: "b1"}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Updated)
		f1 := getNode(t, b, "f1")
		assert.False(t, f1.Unplaced)
		assert.Equal(t, "b1/f1", f1.FeaturePath)
		assert.NotNil(t, getEdge(t, b, "b1", "f1", graph.EdgeContains))

		up, err := m.Uproot(ctx, []string{"f1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, &UprootResult{NodesRemoved: 1, OrphansPruned: 1}, up)

		assert.Nil(t, getNode(t, b, "f1"))
		assert.Nil(t, getEdge(t, b, "b1", "f1", graph.EdgeContains))
		assert.Nil(t, getNode(t, b, "b1"))
		assert.NotNil(t, getNode(t, b, graph.RootID))
	})
}

func TestMutator_MarkStaleByPrefix(t *testing.T) {
	t.Parallel()

	storagetest.ForEach(t, func(t *testing.T, b storage.Backend) {
		m := setupTestMutator(t, b)
		ctx := context.Background()

		_, err := m.Seed(ctx, []LeafRecord{
			{ID: "file:auth.go", NodeType: graph.NodeFile, Feature: "auth"},
			{ID: "function:auth.go:Login", NodeType: graph.NodeFunction, Feature: "Login"},
			{ID: "function:auth.go:Logout", NodeType: graph.NodeFunction, Feature: "Logout"},
			{ID: "function:billing.go:Charge", NodeType: graph.NodeFunction, Feature: "Charge"},
		})
		require.NoError(t, err)

		marked, err := m.MarkStaleByPrefix(ctx,
			[]string{"file:auth.go", "function:auth.go:Login", graph.RootID, "missing"},
			[]string{"function:auth.go:", ""},
		)
		require.NoError(t, err)
		assert.Equal(t, 3, marked, "each node is counted once")

		assert.True(t, getNode(t, b, "function:auth.go:Logout").Stale)
		assert.False(t, getNode(t, b, "function:billing.go:Charge").Stale)
		assert.False(t, getNode(t, b, graph.RootID).Stale)

		marked, err = m.MarkStale(ctx, []string{"file:auth.go"})
		require.NoError(t, err)
		assert.Zero(t, marked, "already stale")
	})
}
