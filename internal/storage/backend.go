// Package storage provides the persistent store of the Arbor graph.
//
// It defines the Backend contract every storage engine must satisfy and two
// implementations: an SQLite backend with an FTS5 mirror of the node text
// fields (the default) and a BadgerDB backend with an inverted token index.
// All reads and writes go through a transaction scope so that a multi-step
// mutation is never observed half-applied.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Benny93/arbor-go/internal/graph"
)

// SchemaVersion is written to the metadata table on first open.
const SchemaVersion = "1"

// Well-known metadata keys.
const (
	MetaSchemaVersion = "schema_version"
	MetaProjectRoot   = "project_root"
)

var (
	// ErrDanglingReference is returned when a transaction would commit an edge
	// endpoint or parent_id pointing at a node that does not exist.
	ErrDanglingReference = errors.New("dangling node reference")

	// ErrUnknownBackend is returned by Open for an unsupported backend kind.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Kind names a storage backend implementation.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindBadger Kind = "badger"
)

// Flag names a reserved node flag that can be queried directly.
type Flag string

const (
	// FlagUnplaced selects leaves without a parent.
	FlagUnplaced Flag = "unplaced"
	// FlagStale selects nodes flagged stale.
	FlagStale Flag = "stale"
)

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool {
	switch f {
	case FlagUnplaced, FlagStale:
		return true
	}
	return false
}

// Matches reports whether n carries the flag.
func (f Flag) Matches(n *graph.Node) bool {
	switch f {
	case FlagUnplaced:
		return n.Level == graph.LevelLeaf && n.ParentID == ""
	case FlagStale:
		return n.Stale
	}
	return false
}

// TextField is a node column mirrored into the full-text index.
type TextField string

const (
	FieldID          TextField = "id"
	FieldFeature     TextField = "feature"
	FieldFeatures    TextField = "features"
	FieldFeaturePath TextField = "feature_path"
)

// TextFields lists every indexed column.
var TextFields = []TextField{FieldID, FieldFeature, FieldFeatures, FieldFeaturePath}

// TextQuery is a full-text query against the node mirror.
type TextQuery struct {
	// Terms are exact terms; a node matches only when every term matches.
	Terms []string

	// Fields restricts matching to these columns. Empty means all columns.
	Fields []TextField

	// NodeTypes restricts candidates to these node types. Empty means any.
	NodeTypes []graph.NodeType

	// PathPrefix restricts candidates to nodes whose feature_path starts
	// with this prefix.
	PathPrefix string

	// Limit caps the number of matches. Zero or less means no cap.
	Limit int
}

// Match is a ranked full-text hit.
type Match struct {
	// Node is the matching node.
	Node *graph.Node

	// Score is the relevance score (higher is better).
	Score float64
}

// Stats summarizes the size of a store.
type Stats struct {
	Nodes      int                        `json:"nodes"`
	Branches   int                        `json:"branches"`
	Leaves     int                        `json:"leaves"`
	Unplaced   int                        `json:"unplaced"`
	Stale      int                        `json:"stale"`
	Edges      int                        `json:"edges"`
	ByCategory map[graph.EdgeCategory]int `json:"edgesByCategory"`
}

// Reader is the read half of a transaction.
type Reader interface {
	// Node lookups

	// GetNode returns the node with the given ID, or nil if it does not exist.
	GetNode(id string) (*graph.Node, error)

	// GetNodes returns the nodes that exist among ids, in input order.
	GetNodes(ids []string) ([]*graph.Node, error)

	// NodesByPathPrefix returns nodes whose feature_path starts with prefix,
	// ordered by feature_path.
	NodesByPathPrefix(prefix string) ([]*graph.Node, error)

	// NodesByIDPrefix returns nodes whose id starts with prefix, ordered by id.
	NodesByIDPrefix(prefix string) ([]*graph.Node, error)

	// NodesByFlag returns every node carrying the flag, ordered by id.
	NodesByFlag(flag Flag) ([]*graph.Node, error)

	// Children returns the direct children of parentID, ordered by id.
	Children(parentID string) ([]*graph.Node, error)

	// Edge lookups

	// GetEdge returns the edge with the given key, or nil if it does not exist.
	GetEdge(key graph.EdgeKey) (*graph.Edge, error)

	// Outgoing returns edges whose source is nodeID, optionally restricted
	// to the given categories.
	Outgoing(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error)

	// Incoming returns edges whose target is nodeID, optionally restricted
	// to the given categories.
	Incoming(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error)

	// Search

	// SearchText runs a full-text query and returns matches best first.
	SearchText(q TextQuery) ([]Match, error)

	// Metadata

	// Meta returns the value stored under key and whether it exists.
	Meta(key string) (string, bool, error)

	// Stats counts nodes and edges.
	Stats() (Stats, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader

	// PutNode inserts or replaces a node. The stored created_at is kept when
	// the node already exists; updated_at is set to the current time.
	PutNode(n *graph.Node) error

	// DeleteNode removes a node, every edge touching it, and clears the
	// parent of its children. Deleting a missing node is a no-op.
	DeleteNode(id string) error

	// PutEdge inserts or replaces an edge by its key.
	PutEdge(e *graph.Edge) error

	// DeleteEdge removes an edge and reports whether it existed.
	DeleteEdge(key graph.EdgeKey) (bool, error)

	// SetMeta stores a metadata value.
	SetMeta(key, value string) error
}

// Backend is an embedded graph store.
//
// Implementations are safe for concurrent use. Writes are serialized.
type Backend interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(r Reader) error) error

	// Close releases all resources held by the backend.
	Close() error
}

// Options configures Open.
type Options struct {
	// Kind selects the implementation. Empty means KindSQLite.
	Kind Kind

	// Path is the database file (sqlite) or directory (badger).
	Path string

	// InMemory opens a throwaway store. Path is ignored.
	InMemory bool

	// Logger receives backend diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Open opens or creates the store described by opts and makes sure the
// schema version is recorded.
func Open(ctx context.Context, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var (
		b   Backend
		err error
	)
	switch opts.Kind {
	case KindSQLite, "":
		b, err = OpenSQLite(ctx, opts.Path, opts.InMemory, opts.Logger)
	case KindBadger:
		b, err = OpenBadger(opts.Path, opts.InMemory, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	err = b.Update(ctx, func(tx Tx) error {
		_, ok, err := tx.Meta(MetaSchemaVersion)
		if err != nil || ok {
			return err
		}
		return tx.SetMeta(MetaSchemaVersion, SchemaVersion)
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("recording schema version: %w", err)
	}

	return b, nil
}

// DefaultPath returns the conventional location of a store of the given
// kind inside an .arbor directory.
func DefaultPath(arborDir string, kind Kind) string {
	if kind == KindBadger {
		return filepath.Join(arborDir, "badger")
	}
	return filepath.Join(arborDir, "graph.db")
}
