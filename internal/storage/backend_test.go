package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/arbor-go/internal/graph"
)

// backendFactories open every implementation the contract tests cover.
var backendFactories = map[Kind]func(t *testing.T) Backend{
	KindSQLite: func(t *testing.T) Backend {
		t.Helper()
		b, err := Open(context.Background(), Options{Kind: KindSQLite, Path: filepath.Join(t.TempDir(), "graph.db")})
		require.NoError(t, err)
		return b
	},
	KindBadger: func(t *testing.T) Backend {
		t.Helper()
		b, err := Open(context.Background(), Options{Kind: KindBadger, InMemory: true})
		require.NoError(t, err)
		return b
	},
}

// forEachBackend runs fn as a parallel subtest against a fresh store of
// every kind.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for kind, open := range backendFactories {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			fn(t, b)
		})
	}
}

func leaf(id string, nt graph.NodeType, parent, path string) *graph.Node {
	return &graph.Node{
		ID:          id,
		Level:       graph.LevelLeaf,
		NodeType:    nt,
		Feature:     id,
		Features:    []string{},
		Metadata:    map[string]any{},
		ParentID:    parent,
		FeaturePath: path,
	}
}

func branch(id, feature, parent, path string) *graph.Node {
	return &graph.Node{
		ID:          id,
		Level:       graph.LevelBranch,
		NodeType:    graph.NodeCategory,
		Feature:     feature,
		ParentID:    parent,
		FeaturePath: path,
	}
}

func edge(src, tgt string, et graph.EdgeType, c graph.EdgeCategory) *graph.Edge {
	return &graph.Edge{SourceID: src, TargetID: tgt, Type: et, Category: c}
}

func put(t *testing.T, b Backend, nodes []*graph.Node, edges []*graph.Edge) {
	t.Helper()
	err := b.Update(context.Background(), func(tx Tx) error {
		for _, n := range nodes {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		for _, e := range edges {
			if err := tx.PutEdge(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func view(t *testing.T, b Backend, fn func(r Reader)) {
	t.Helper()
	require.NoError(t, b.View(context.Background(), func(r Reader) error {
		fn(r)
		return nil
	}))
}

func ids(nodes []*graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("UnknownBackend", func(t *testing.T) {
		t.Parallel()
		_, err := Open(context.Background(), Options{Kind: "postgres"})
		assert.ErrorIs(t, err, ErrUnknownBackend)
	})

	forEachBackend(t, func(t *testing.T, b Backend) {
		view(t, b, func(r Reader) {
			v, ok, err := r.Meta(MetaSchemaVersion)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, SchemaVersion, v)
		})
	})
}

func TestDefaultPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join(".arbor", "graph.db"), DefaultPath(".arbor", KindSQLite))
	assert.Equal(t, filepath.Join(".arbor", "badger"), DefaultPath(".arbor", KindBadger))
}

func TestBackend_NodeRoundTrip(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		n := leaf("function:auth.go:Login", graph.NodeFunction, "", "")
		n.Feature = "Login handler"
		n.Features = []string{"validates password", "issues session"}
		n.Metadata = map[string]any{"owner": "auth", "stale": true}
		n.Unplaced = true
		put(t, b, []*graph.Node{n}, nil)

		view(t, b, func(r Reader) {
			got, err := r.GetNode(n.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, graph.LevelLeaf, got.Level)
			assert.Equal(t, graph.NodeFunction, got.NodeType)
			assert.Equal(t, "Login handler", got.Feature)
			assert.Equal(t, []string{"validates password", "issues session"}, got.Features)
			assert.Equal(t, map[string]any{"owner": "auth"}, got.Metadata, "reserved keys never reach storage")
			assert.True(t, got.Unplaced)
			assert.False(t, got.Stale)
			assert.Empty(t, got.ParentID)
			assert.False(t, got.CreatedAt.IsZero())
			assert.False(t, got.UpdatedAt.IsZero())

			missing, err := r.GetNode("nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	})
}

func TestBackend_PutNodePreservesCreatedAt(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, []*graph.Node{leaf("file:a.go", graph.NodeFile, "", "")}, nil)

		var first *graph.Node
		view(t, b, func(r Reader) {
			var err error
			first, err = r.GetNode("file:a.go")
			require.NoError(t, err)
		})

		time.Sleep(5 * time.Millisecond)
		again := leaf("file:a.go", graph.NodeFile, "", "")
		again.Feature = "renamed"
		put(t, b, []*graph.Node{again}, nil)

		view(t, b, func(r Reader) {
			got, err := r.GetNode("file:a.go")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Feature)
			assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
			assert.True(t, got.UpdatedAt.After(first.UpdatedAt))
		})
	})
}

func TestBackend_PutNodeValidation(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		tests := []struct {
			name string
			node *graph.Node
		}{
			{"EmptyID", leaf("", graph.NodeFile, "", "")},
			{"UnknownType", &graph.Node{ID: "x", Level: graph.LevelLeaf, NodeType: "module"}},
			{"LevelMismatch", &graph.Node{ID: "x", Level: graph.LevelBranch, NodeType: graph.NodeFile}},
			{"SelfParent", leaf("x", graph.NodeFile, "x", "")},
		}
		for _, tt := range tests {
			err := b.Update(context.Background(), func(tx Tx) error { return tx.PutNode(tt.node) })
			assert.ErrorIs(t, err, graph.ErrInvalidInput, tt.name)
		}
	})
}

func TestBackend_GetNodes(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, []*graph.Node{
			leaf("a", graph.NodeFile, "", ""),
			leaf("b", graph.NodeFile, "", ""),
			leaf("c", graph.NodeFile, "", ""),
		}, nil)

		view(t, b, func(r Reader) {
			got, err := r.GetNodes([]string{"c", "missing", "a", "c"})
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a"}, ids(got))

			none, err := r.GetNodes(nil)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	})
}

func TestBackend_PrefixAndFlagLookups(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		root := graph.NewRoot()
		stale := leaf("function:auth.go:Login", graph.NodeFunction, "auth", "Auth/Login")
		stale.Stale = true
		put(t, b, []*graph.Node{
			root,
			branch("auth", "Auth", graph.RootID, "Auth"),
			branch("authz", "Authz", graph.RootID, "Authz"),
			stale,
			leaf("function:auth.go:Logout", graph.NodeFunction, "", ""),
		}, nil)

		view(t, b, func(r Reader) {
			byPath, err := r.NodesByPathPrefix("Auth")
			require.NoError(t, err)
			assert.Equal(t, []string{"auth", "function:auth.go:Login", "authz"}, ids(byPath))

			byID, err := r.NodesByIDPrefix("function:auth.go:")
			require.NoError(t, err)
			assert.Equal(t, []string{"function:auth.go:Login", "function:auth.go:Logout"}, ids(byID))

			unplaced, err := r.NodesByFlag(FlagUnplaced)
			require.NoError(t, err)
			assert.Equal(t, []string{"function:auth.go:Logout"}, ids(unplaced))

			staleNodes, err := r.NodesByFlag(FlagStale)
			require.NoError(t, err)
			assert.Equal(t, []string{"function:auth.go:Login"}, ids(staleNodes))

			_, err = r.NodesByFlag("broken")
			assert.ErrorIs(t, err, graph.ErrInvalidInput)

			children, err := r.Children(graph.RootID)
			require.NoError(t, err)
			assert.Equal(t, []string{"auth", "authz"}, ids(children))
		})
	})
}

func TestBackend_Edges(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b,
			[]*graph.Node{
				leaf("x", graph.NodeFunction, "", ""),
				leaf("y", graph.NodeFunction, "", ""),
				leaf("k", graph.NodePitfall, "", ""),
			},
			[]*graph.Edge{
				edge("x", "y", graph.EdgeInvokes, graph.CategoryRoot),
				edge("x", "y", graph.EdgeImports, graph.CategoryRoot),
				edge("k", "x", graph.EdgeDocuments, graph.CategoryKnowledge),
			})

		view(t, b, func(r Reader) {
			e, err := r.GetEdge(graph.EdgeKey{SourceID: "x", TargetID: "y", Type: graph.EdgeInvokes})
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, graph.CategoryRoot, e.Category)
			assert.NotNil(t, e.Metadata)

			out, err := r.Outgoing("x")
			require.NoError(t, err)
			assert.Len(t, out, 2)

			in, err := r.Incoming("x")
			require.NoError(t, err)
			require.Len(t, in, 1)
			assert.Equal(t, "k", in[0].SourceID)

			rootOnly, err := r.Incoming("x", graph.CategoryRoot)
			require.NoError(t, err)
			assert.Empty(t, rootOnly)

			both, err := r.Incoming("y", graph.CategoryRoot, graph.CategoryKnowledge)
			require.NoError(t, err)
			assert.Len(t, both, 2)
		})

		var removed bool
		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			var err error
			removed, err = tx.DeleteEdge(graph.EdgeKey{SourceID: "x", TargetID: "y", Type: graph.EdgeInvokes})
			return err
		}))
		assert.True(t, removed)

		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			var err error
			removed, err = tx.DeleteEdge(graph.EdgeKey{SourceID: "x", TargetID: "y", Type: graph.EdgeInvokes})
			return err
		}))
		assert.False(t, removed)
	})
}

func TestBackend_PutEdgeReplacesCategory(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b,
			[]*graph.Node{leaf("x", graph.NodeFile, "", ""), leaf("y", graph.NodeFile, "", "")},
			[]*graph.Edge{edge("x", "y", graph.EdgeImports, graph.CategoryRoot)})
		put(t, b, nil, []*graph.Edge{edge("x", "y", graph.EdgeImports, graph.CategoryKnowledge)})

		view(t, b, func(r Reader) {
			root, err := r.Outgoing("x", graph.CategoryRoot)
			require.NoError(t, err)
			assert.Empty(t, root)

			knowledge, err := r.Outgoing("x", graph.CategoryKnowledge)
			require.NoError(t, err)
			assert.Len(t, knowledge, 1)
		})
	})
}

func TestBackend_DeleteNodeCascades(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b,
			[]*graph.Node{
				branch("b1", "B1", "", "B1"),
				leaf("f1", graph.NodeFile, "b1", "B1/f1"),
				leaf("f2", graph.NodeFile, "", ""),
			},
			[]*graph.Edge{
				graph.GrowthEdge("b1", "f1"),
				edge("f2", "b1", graph.EdgeImports, graph.CategoryRoot),
			})

		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			return tx.DeleteNode("b1")
		}))

		view(t, b, func(r Reader) {
			gone, err := r.GetNode("b1")
			require.NoError(t, err)
			assert.Nil(t, gone)

			child, err := r.GetNode("f1")
			require.NoError(t, err)
			require.NotNil(t, child)
			assert.Empty(t, child.ParentID, "children are detached")

			out, err := r.Outgoing("f2")
			require.NoError(t, err)
			assert.Empty(t, out, "edges touching the node are removed")

			in, err := r.Incoming("f1")
			require.NoError(t, err)
			assert.Empty(t, in)

			children, err := r.Children("b1")
			require.NoError(t, err)
			assert.Empty(t, children)
		})

		// Deleting twice is a no-op.
		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			return tx.DeleteNode("b1")
		}))
	})
}

func TestBackend_ReparentMovesChildIndex(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, []*graph.Node{
			branch("b1", "B1", "", "B1"),
			branch("b2", "B2", "", "B2"),
			leaf("f1", graph.NodeFile, "b1", "B1/f1"),
		}, nil)
		put(t, b, []*graph.Node{leaf("f1", graph.NodeFile, "b2", "B2/f1")}, nil)

		view(t, b, func(r Reader) {
			old, err := r.Children("b1")
			require.NoError(t, err)
			assert.Empty(t, old)

			moved, err := r.Children("b2")
			require.NoError(t, err)
			assert.Equal(t, []string{"f1"}, ids(moved))
		})
	})
}

func TestBackend_RollbackOnError(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		err := b.Update(context.Background(), func(tx Tx) error {
			if err := tx.PutNode(leaf("a", graph.NodeFile, "", "")); err != nil {
				return err
			}
			return tx.PutEdge(&graph.Edge{SourceID: "a", TargetID: "a", Type: "calls", Category: graph.CategoryRoot})
		})
		require.ErrorIs(t, err, graph.ErrInvalidInput)

		view(t, b, func(r Reader) {
			n, err := r.GetNode("a")
			require.NoError(t, err)
			assert.Nil(t, n, "the whole transaction is rolled back")
		})
	})
}

func TestBackend_DanglingReferences(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		t.Run("EdgeToMissingNode", func(t *testing.T) {
			err := b.Update(context.Background(), func(tx Tx) error {
				if err := tx.PutNode(leaf("present", graph.NodeFile, "", "")); err != nil {
					return err
				}
				return tx.PutEdge(edge("present", "absent", graph.EdgeImports, graph.CategoryRoot))
			})
			require.ErrorIs(t, err, ErrDanglingReference)

			view(t, b, func(r Reader) {
				n, err := r.GetNode("present")
				require.NoError(t, err)
				assert.Nil(t, n)
			})
		})

		t.Run("MissingParent", func(t *testing.T) {
			err := b.Update(context.Background(), func(tx Tx) error {
				return tx.PutNode(leaf("orphan", graph.NodeFile, "ghost", "ghost/orphan"))
			})
			assert.ErrorIs(t, err, ErrDanglingReference)
		})

		t.Run("ForwardReferenceWithinBatch", func(t *testing.T) {
			err := b.Update(context.Background(), func(tx Tx) error {
				if err := tx.PutNode(leaf("child", graph.NodeFile, "later", "Later/child")); err != nil {
					return err
				}
				if err := tx.PutEdge(graph.GrowthEdge("later", "child")); err != nil {
					return err
				}
				return tx.PutNode(branch("later", "Later", "", "Later"))
			})
			assert.NoError(t, err)
		})

		t.Run("EdgeRemovedBeforeCommit", func(t *testing.T) {
			err := b.Update(context.Background(), func(tx Tx) error {
				if err := tx.PutNode(leaf("temp", graph.NodeFile, "", "")); err != nil {
					return err
				}
				if err := tx.PutEdge(edge("temp", "child", graph.EdgeImports, graph.CategoryRoot)); err != nil {
					return err
				}
				return tx.DeleteNode("temp")
			})
			assert.NoError(t, err)
		})

		// The store is still writable after a failed commit.
		put(t, b, []*graph.Node{leaf("after", graph.NodeFile, "", "")}, nil)
	})
}

func TestBackend_Meta(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			if err := tx.SetMeta(MetaProjectRoot, "/tmp/one"); err != nil {
				return err
			}
			return tx.SetMeta(MetaProjectRoot, "/tmp/two")
		}))

		view(t, b, func(r Reader) {
			v, ok, err := r.Meta(MetaProjectRoot)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "/tmp/two", v)

			_, ok, err = r.Meta("missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})
}

func TestBackend_Stats(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		stale := leaf("f2", graph.NodeFile, "", "")
		stale.Stale = true
		put(t, b,
			[]*graph.Node{
				graph.NewRoot(),
				branch("b1", "B1", graph.RootID, "B1"),
				leaf("f1", graph.NodeFile, "b1", "B1/f1"),
				stale,
			},
			[]*graph.Edge{
				graph.GrowthEdge(graph.RootID, "b1"),
				graph.GrowthEdge("b1", "f1"),
				edge("f1", "f2", graph.EdgeImports, graph.CategoryRoot),
			})

		view(t, b, func(r Reader) {
			s, err := r.Stats()
			require.NoError(t, err)
			assert.Equal(t, 4, s.Nodes)
			assert.Equal(t, 2, s.Branches)
			assert.Equal(t, 2, s.Leaves)
			assert.Equal(t, 1, s.Unplaced)
			assert.Equal(t, 1, s.Stale)
			assert.Equal(t, 3, s.Edges)
			assert.Equal(t, 2, s.ByCategory[graph.CategoryGrowth])
			assert.Equal(t, 1, s.ByCategory[graph.CategoryRoot])
		})
	})
}

func TestBackend_SearchText(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		login := leaf("function:auth.go:Login", graph.NodeFunction, "auth", "Authentication/Login")
		login.Feature = "Login"
		login.Features = []string{"checks password hash"}
		pitfall := leaf("knowledge:pitfall:password-reuse", graph.NodePitfall, "auth", "Authentication/Password reuse")
		pitfall.Feature = "Password reuse"
		pitfall.Features = []string{"login"}
		billing := leaf("function:billing.go:Charge", graph.NodeFunction, "billing", "Billing/Charge")
		billing.Feature = "Charge"
		billing.Features = []string{"password protected"}

		put(t, b, []*graph.Node{
			branch("auth", "Authentication", "", "Authentication"),
			branch("billing", "Billing", "", "Billing"),
			login, pitfall, billing,
		}, nil)

		hitIDs := func(ms []Match) []string {
			out := make([]string, 0, len(ms))
			for _, m := range ms {
				out = append(out, m.Node.ID)
			}
			return out
		}

		view(t, b, func(r Reader) {
			all, err := r.SearchText(TextQuery{Terms: []string{"password"}})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{
				"function:auth.go:Login", "knowledge:pitfall:password-reuse", "function:billing.go:Charge",
			}, hitIDs(all))
			for _, m := range all {
				assert.Greater(t, m.Score, 0.0)
			}

			labels, err := r.SearchText(TextQuery{Terms: []string{"password"}, Fields: []TextField{FieldFeature, FieldFeaturePath}})
			require.NoError(t, err)
			assert.Equal(t, []string{"knowledge:pitfall:password-reuse"}, hitIDs(labels))

			snippets, err := r.SearchText(TextQuery{Terms: []string{"login"}, Fields: []TextField{FieldFeatures}})
			require.NoError(t, err)
			assert.Equal(t, []string{"knowledge:pitfall:password-reuse"}, hitIDs(snippets))

			both, err := r.SearchText(TextQuery{Terms: []string{"password", "hash"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"function:auth.go:Login"}, hitIDs(both), "every term must match")

			scoped, err := r.SearchText(TextQuery{Terms: []string{"password"}, PathPrefix: "Billing"})
			require.NoError(t, err)
			assert.Equal(t, []string{"function:billing.go:Charge"}, hitIDs(scoped))

			typed, err := r.SearchText(TextQuery{Terms: []string{"password"}, NodeTypes: []graph.NodeType{graph.NodePitfall}})
			require.NoError(t, err)
			assert.Equal(t, []string{"knowledge:pitfall:password-reuse"}, hitIDs(typed))

			limited, err := r.SearchText(TextQuery{Terms: []string{"password"}, Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			none, err := r.SearchText(TextQuery{})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	})
}

func TestBackend_SearchMirrorFollowsWrites(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b Backend) {
		n := leaf("file:cache.go", graph.NodeFile, "", "")
		n.Feature = "memcache client"
		put(t, b, []*graph.Node{n}, nil)

		renamed := leaf("file:cache.go", graph.NodeFile, "", "")
		renamed.Feature = "redis client"
		put(t, b, []*graph.Node{renamed}, nil)

		view(t, b, func(r Reader) {
			old, err := r.SearchText(TextQuery{Terms: []string{"memcache"}})
			require.NoError(t, err)
			assert.Empty(t, old)

			fresh, err := r.SearchText(TextQuery{Terms: []string{"redis"}})
			require.NoError(t, err)
			assert.Len(t, fresh, 1)
		})

		require.NoError(t, b.Update(context.Background(), func(tx Tx) error {
			return tx.DeleteNode("file:cache.go")
		}))

		view(t, b, func(r Reader) {
			gone, err := r.SearchText(TextQuery{Terms: []string{"redis"}})
			require.NoError(t, err)
			assert.Empty(t, gone)
		})
	})
}
