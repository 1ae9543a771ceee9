package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Benny93/arbor-go/internal/graph"
)

//go:embed schema.sql
var schemaSQL string

const nodeColumns = `n.id, n.level, n.node_type, n.feature, n.features, n.metadata,
	n.stale, n.unplaced, n.parent_id, n.feature_path, n.created_at, n.updated_at`

// SQLiteBackend is the default store: a single SQLite database in WAL mode
// with an FTS5 mirror of the node text columns kept in sync by triggers.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// writeMu serializes writers inside this process; SQLite's own lock
	// (with busy_timeout) covers other processes.
	writeMu sync.Mutex
}

// OpenSQLite opens or creates the database at path and applies the schema.
// With inMemory set, path is ignored and the database lives for as long as
// the backend is open.
func OpenSQLite(ctx context.Context, path string, inMemory bool, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")

	name := ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "synchronous(NORMAL)")
		name = path
	}

	db, err := sql.Open("sqlite", name+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Debug("opened sqlite store", "path", name)
	return &SQLiteBackend{db: db, path: name, logger: logger}, nil
}

// Path returns the database location.
func (b *SQLiteBackend) Path() string { return b.path }

// Close releases the connection pool.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Update runs fn in an immediate write transaction on a dedicated
// connection. Dangling references are detected before COMMIT so a failed
// commit never leaves a half-open transaction behind.
func (b *SQLiteBackend) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		// Rollback runs on a fresh context so a cancelled ctx still releases the lock.
		if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			b.logger.Warn("rolling back transaction", "error", rbErr)
		}
	}()

	tx := &sqliteTx{ctx: ctx, q: conn, refs: newPendingRefs()}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.refs.verify(tx); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("committing transaction: %w", translateSQLiteError(err))
	}
	return nil
}

// View runs fn in a read-only transaction.
func (b *SQLiteBackend) View(ctx context.Context, fn func(r Reader) error) error {
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	return fn(&sqliteTx{ctx: ctx, q: sqlTx})
}

func translateSQLiteError(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return fmt.Errorf("%w: %v", ErrDanglingReference, err)
	}
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	ctx  context.Context
	q    querier
	refs *pendingRefs
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(s rowScanner, extra ...any) (*graph.Node, error) {
	var (
		n                    graph.Node
		features, metadata   string
		stale, unplaced      bool
		parentID             sql.NullString
		createdAt, updatedAt string
	)
	dest := []any{
		&n.ID, &n.Level, &n.NodeType, &n.Feature, &features, &metadata,
		&stale, &unplaced, &parentID, &n.FeaturePath, &createdAt, &updatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(features), &n.Features); err != nil {
		return nil, fmt.Errorf("decoding features of %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", n.ID, err)
	}
	if n.Features == nil {
		n.Features = []string{}
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	n.Stale = stale
	n.Unplaced = unplaced
	n.ParentID = parentID.String
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &n, nil
}

func (t *sqliteTx) queryNodes(query string, args ...any) ([]*graph.Node, error) {
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (t *sqliteTx) GetNode(id string) (*graph.Node, error) {
	row := t.q.QueryRowContext(t.ctx, "SELECT "+nodeColumns+" FROM nodes n WHERE n.id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	return n, nil
}

func (t *sqliteTx) GetNodes(ids []string) ([]*graph.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := t.queryNodes("SELECT "+nodeColumns+" FROM nodes n WHERE n.id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("getting nodes: %w", err)
	}

	byID := make(map[string]*graph.Node, len(found))
	for _, n := range found {
		byID[n.ID] = n
	}
	out := make([]*graph.Node, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *sqliteTx) NodesByPathPrefix(prefix string) ([]*graph.Node, error) {
	nodes, err := t.queryNodes("SELECT "+nodeColumns+` FROM nodes n
		WHERE substr(n.feature_path, 1, length(?1)) = ?1
		ORDER BY n.feature_path, n.id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing nodes under path %q: %w", prefix, err)
	}
	return nodes, nil
}

func (t *sqliteTx) NodesByIDPrefix(prefix string) ([]*graph.Node, error) {
	nodes, err := t.queryNodes("SELECT "+nodeColumns+` FROM nodes n
		WHERE substr(n.id, 1, length(?1)) = ?1
		ORDER BY n.id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing nodes with id prefix %q: %w", prefix, err)
	}
	return nodes, nil
}

func (t *sqliteTx) NodesByFlag(flag Flag) ([]*graph.Node, error) {
	var where string
	switch flag {
	case FlagUnplaced:
		where = "n.parent_id IS NULL AND n.level = 'leaf'"
	case FlagStale:
		where = "n.stale = 1"
	default:
		return nil, fmt.Errorf("%w: unknown flag %q", graph.ErrInvalidInput, flag)
	}
	nodes, err := t.queryNodes("SELECT " + nodeColumns + " FROM nodes n WHERE " + where + " ORDER BY n.id")
	if err != nil {
		return nil, fmt.Errorf("listing %s nodes: %w", flag, err)
	}
	return nodes, nil
}

func (t *sqliteTx) Children(parentID string) ([]*graph.Node, error) {
	nodes, err := t.queryNodes("SELECT "+nodeColumns+" FROM nodes n WHERE n.parent_id = ? ORDER BY n.id", parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return nodes, nil
}

func scanEdge(s rowScanner) (*graph.Edge, error) {
	var (
		e        graph.Edge
		metadata string
	)
	if err := s.Scan(&e.SourceID, &e.TargetID, &e.Type, &e.Category, &metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding edge metadata: %w", err)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return &e, nil
}

func (t *sqliteTx) GetEdge(key graph.EdgeKey) (*graph.Edge, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT source_id, target_id, edge_type, category, metadata
		FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?`,
		key.SourceID, key.TargetID, string(key.Type))
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting edge %s: %w", key, err)
	}
	return e, nil
}

func (t *sqliteTx) edgesBy(column, nodeID string, categories []graph.EdgeCategory) ([]*graph.Edge, error) {
	query := "SELECT source_id, target_id, edge_type, category, metadata FROM edges WHERE " + column + " = ?"
	args := []any{nodeID}
	if len(categories) > 0 {
		query += " AND category IN (" + placeholders(len(categories)) + ")"
		for _, c := range categories {
			args = append(args, string(c))
		}
	}
	query += " ORDER BY source_id, target_id, edge_type"

	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (t *sqliteTx) Outgoing(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error) {
	edges, err := t.edgesBy("source_id", nodeID, categories)
	if err != nil {
		return nil, fmt.Errorf("listing outgoing edges of %s: %w", nodeID, err)
	}
	return edges, nil
}

func (t *sqliteTx) Incoming(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error) {
	edges, err := t.edgesBy("target_id", nodeID, categories)
	if err != nil {
		return nil, fmt.Errorf("listing incoming edges of %s: %w", nodeID, err)
	}
	return edges, nil
}

// SearchText runs q against the FTS5 mirror. bm25 ranks are negative with
// the best match lowest, so the score is the negated rank.
func (t *sqliteTx) SearchText(q TextQuery) ([]Match, error) {
	expr := q.Expression()
	if expr == "" {
		return nil, nil
	}

	query := "SELECT " + nodeColumns + `, nodes_fts.rank
		FROM nodes_fts JOIN nodes n ON n.pk = nodes_fts.rowid
		WHERE nodes_fts MATCH ?`
	args := []any{expr}
	if len(q.NodeTypes) > 0 {
		query += " AND n.node_type IN (" + placeholders(len(q.NodeTypes)) + ")"
		for _, nt := range q.NodeTypes {
			args = append(args, string(nt))
		}
	}
	if q.PathPrefix != "" {
		query += " AND substr(n.feature_path, 1, length(?)) = ?"
		args = append(args, q.PathPrefix, q.PathPrefix)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY nodes_fts.rank LIMIT ?"
	args = append(args, limit)

	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", expr, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var rank float64
		n, err := scanNode(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		matches = append(matches, Match{Node: n, Score: -rank})
	}
	return matches, rows.Err()
}

func (t *sqliteTx) Meta(key string) (string, bool, error) {
	var value string
	err := t.q.QueryRowContext(t.ctx, "SELECT value FROM graph_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %s: %w", key, err)
	}
	return value, true, nil
}

func (t *sqliteTx) Stats() (Stats, error) {
	s := Stats{ByCategory: make(map[graph.EdgeCategory]int)}
	err := t.q.QueryRowContext(t.ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(level = 'branch'), 0),
			COALESCE(SUM(level = 'leaf'), 0),
			COALESCE(SUM(level = 'leaf' AND parent_id IS NULL), 0),
			COALESCE(SUM(stale = 1), 0)
		FROM nodes`).Scan(&s.Nodes, &s.Branches, &s.Leaves, &s.Unplaced, &s.Stale)
	if err != nil {
		return s, fmt.Errorf("counting nodes: %w", err)
	}

	rows, err := t.q.QueryContext(t.ctx, "SELECT category, COUNT(*) FROM edges GROUP BY category")
	if err != nil {
		return s, fmt.Errorf("counting edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c     graph.EdgeCategory
			count int
		)
		if err := rows.Scan(&c, &count); err != nil {
			return s, fmt.Errorf("counting edges: %w", err)
		}
		s.ByCategory[c] = count
		s.Edges += count
	}
	return s, rows.Err()
}

func (t *sqliteTx) PutNode(n *graph.Node) error {
	if err := validateNode(n); err != nil {
		return err
	}
	features, err := json.Marshal(nonNilStrings(n.Features))
	if err != nil {
		return fmt.Errorf("encoding features of %s: %w", n.ID, err)
	}
	metadata, err := json.Marshal(graph.CleanMetadata(n.Metadata))
	if err != nil {
		return fmt.Errorf("encoding metadata of %s: %w", n.ID, err)
	}

	now := time.Now().UTC()
	created := n.CreatedAt
	if created.IsZero() {
		created = now
	}
	var parent any
	if n.ParentID != "" {
		parent = n.ParentID
	}

	_, err = t.q.ExecContext(t.ctx, `INSERT INTO nodes
		(id, level, node_type, feature, features, metadata, stale, unplaced, parent_id, feature_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			node_type = excluded.node_type,
			feature = excluded.feature,
			features = excluded.features,
			metadata = excluded.metadata,
			stale = excluded.stale,
			unplaced = excluded.unplaced,
			parent_id = excluded.parent_id,
			feature_path = excluded.feature_path,
			updated_at = excluded.updated_at`,
		n.ID, string(n.Level), string(n.NodeType), n.Feature, string(features), string(metadata),
		n.Stale, n.Unplaced, parent, n.FeaturePath,
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing node %s: %w", n.ID, err)
	}
	t.refs.addChild(n.ID)
	return nil
}

func (t *sqliteTx) DeleteNode(id string) error {
	if _, err := t.q.ExecContext(t.ctx, "DELETE FROM nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) PutEdge(e *graph.Edge) error {
	if err := validateEdge(e); err != nil {
		return err
	}
	metadata, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("encoding edge metadata: %w", err)
	}
	_, err = t.q.ExecContext(t.ctx, `INSERT INTO edges (source_id, target_id, edge_type, category, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
			category = excluded.category,
			metadata = excluded.metadata`,
		e.SourceID, e.TargetID, string(e.Type), string(e.Category), string(metadata))
	if err != nil {
		return fmt.Errorf("writing edge %s: %w", e.Key(), err)
	}
	t.refs.addEdge(e.Key())
	return nil
}

func (t *sqliteTx) DeleteEdge(key graph.EdgeKey) (bool, error) {
	res, err := t.q.ExecContext(t.ctx, "DELETE FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?",
		key.SourceID, key.TargetID, string(key.Type))
	if err != nil {
		return false, fmt.Errorf("deleting edge %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting edge %s: %w", key, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) SetMeta(key, value string) error {
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO graph_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing meta %s: %w", key, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
