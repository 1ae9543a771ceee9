// Package storagetest opens throwaway stores for tests of packages built on
// top of storage.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Benny93/arbor-go/internal/storage"
)

// Kinds lists the backends every contract test runs against.
var Kinds = []storage.Kind{storage.KindSQLite, storage.KindBadger}

// Open returns a fresh store of the given kind that is closed when the test
// ends. SQLite stores live in a temp file; badger stores in memory.
func Open(t testing.TB, kind storage.Kind) storage.Backend {
	t.Helper()

	opts := storage.Options{Kind: kind}
	switch kind {
	case storage.KindSQLite:
		opts.Path = filepath.Join(t.TempDir(), "graph.db")
	case storage.KindBadger:
		opts.InMemory = true
	}

	b, err := storage.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// ForEach runs fn as a parallel subtest against a fresh store of every kind.
func ForEach(t *testing.T, fn func(t *testing.T, b storage.Backend)) {
	t.Helper()
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			fn(t, Open(t, kind))
		})
	}
}
