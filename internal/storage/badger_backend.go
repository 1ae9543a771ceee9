package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/arbor-go/internal/graph"
)

const sep = "\x00"

// Key prefixes for different data types
const (
	prefixNode     = "n" + sep // n\x00{id} -> node JSON
	prefixEdge     = "e" + sep // e\x00{src}\x00{tgt}\x00{type} -> edge JSON
	prefixOutgoing = "o" + sep // o\x00{src}\x00{category}\x00{tgt}\x00{type}
	prefixIncoming = "i" + sep // i\x00{tgt}\x00{category}\x00{src}\x00{type}
	prefixChild    = "c" + sep // c\x00{parent}\x00{child}
	prefixMeta     = "m" + sep // m\x00{key} -> value
)

// BadgerBackend is a BadgerDB-backed store. Adjacency, children and the
// full-text index are kept as secondary keys written in the same
// transaction as the records they describe.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger

	// writeMu serializes Update calls so optimistic transactions never
	// conflict with each other.
	writeMu sync.Mutex
}

// OpenBadger opens or creates a BadgerDB store in dir.
func OpenBadger(dir string, inMemory bool, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).
		WithNumCompactors(2).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs
	if inMemory {
		opts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger DB: %w", err)
	}

	logger.Debug("opened badger store", "dir", dir, "in_memory", inMemory)
	return &BadgerBackend{db: db, logger: logger}, nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Update runs fn in a read-write transaction.
func (b *BadgerBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		tx := &badgerTx{txn: txn, refs: newPendingRefs()}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.refs.verify(tx)
	})
}

// View runs fn in a read-only transaction.
func (b *BadgerBackend) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

type badgerTx struct {
	txn  *badger.Txn
	refs *pendingRefs
}

func nodeKey(id string) []byte { return []byte(prefixNode + id) }

func edgeKey(k graph.EdgeKey) []byte {
	return []byte(prefixEdge + k.SourceID + sep + k.TargetID + sep + string(k.Type))
}

func outKey(e *graph.Edge) []byte {
	return []byte(prefixOutgoing + e.SourceID + sep + string(e.Category) + sep + e.TargetID + sep + string(e.Type))
}

func inKey(e *graph.Edge) []byte {
	return []byte(prefixIncoming + e.TargetID + sep + string(e.Category) + sep + e.SourceID + sep + string(e.Type))
}

func childKey(parentID, childID string) []byte {
	return []byte(prefixChild + parentID + sep + childID)
}

// scanKeys returns a copy of every key under prefix.
func (t *badgerTx) scanKeys(prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// scanNodes decodes every node under prefix for which keep returns true.
func (t *badgerTx) scanNodes(prefix string, keep func(*graph.Node) bool) ([]*graph.Node, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var nodes []*graph.Node
	for it.Rewind(); it.Valid(); it.Next() {
		var node graph.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			return nil, fmt.Errorf("unmarshaling node: %w", err)
		}
		normalizeNode(&node)
		if keep == nil || keep(&node) {
			nodes = append(nodes, &node)
		}
	}
	return nodes, nil
}

func normalizeNode(n *graph.Node) {
	if n.Features == nil {
		n.Features = []string{}
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
}

func (t *badgerTx) GetNode(id string) (*graph.Node, error) {
	item, err := t.txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}

	var node graph.Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling node %s: %w", id, err)
	}
	normalizeNode(&node)
	return &node, nil
}

func (t *badgerTx) GetNodes(ids []string) ([]*graph.Node, error) {
	out := make([]*graph.Node, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, err := t.GetNode(id)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *badgerTx) NodesByPathPrefix(prefix string) ([]*graph.Node, error) {
	nodes, err := t.scanNodes(prefixNode, func(n *graph.Node) bool {
		return strings.HasPrefix(n.FeaturePath, prefix)
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes under path %q: %w", prefix, err)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].FeaturePath < nodes[j].FeaturePath
	})
	return nodes, nil
}

func (t *badgerTx) NodesByIDPrefix(prefix string) ([]*graph.Node, error) {
	nodes, err := t.scanNodes(prefixNode+prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("listing nodes with id prefix %q: %w", prefix, err)
	}
	return nodes, nil
}

func (t *badgerTx) NodesByFlag(flag Flag) ([]*graph.Node, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("%w: unknown flag %q", graph.ErrInvalidInput, flag)
	}
	nodes, err := t.scanNodes(prefixNode, flag.Matches)
	if err != nil {
		return nil, fmt.Errorf("listing %s nodes: %w", flag, err)
	}
	return nodes, nil
}

func (t *badgerTx) Children(parentID string) ([]*graph.Node, error) {
	prefix := prefixChild + parentID + sep
	var children []*graph.Node
	for _, key := range t.scanKeys(prefix) {
		n, err := t.GetNode(strings.TrimPrefix(string(key), prefix))
		if err != nil {
			return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
		}
		if n != nil {
			children = append(children, n)
		}
	}
	return children, nil
}

func (t *badgerTx) GetEdge(key graph.EdgeKey) (*graph.Edge, error) {
	item, err := t.txn.Get(edgeKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting edge %s: %w", key, err)
	}

	var edge graph.Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling edge %s: %w", key, err)
	}
	if edge.Metadata == nil {
		edge.Metadata = map[string]any{}
	}
	return &edge, nil
}

// adjacent resolves the adjacency index of nodeID. outgoing selects the
// o index, otherwise the i index.
func (t *badgerTx) adjacent(nodeID string, outgoing bool, categories []graph.EdgeCategory) ([]*graph.Edge, error) {
	base := prefixIncoming + nodeID + sep
	if outgoing {
		base = prefixOutgoing + nodeID + sep
	}
	prefixes := []string{base}
	if len(categories) > 0 {
		prefixes = prefixes[:0]
		for _, c := range categories {
			prefixes = append(prefixes, base+string(c)+sep)
		}
	}

	var edges []*graph.Edge
	for _, prefix := range prefixes {
		for _, key := range t.scanKeys(prefix) {
			// {category}\x00{other}\x00{type}
			parts := strings.Split(strings.TrimPrefix(string(key), base), sep)
			if len(parts) != 3 {
				continue
			}
			k := graph.EdgeKey{SourceID: nodeID, TargetID: parts[1], Type: graph.EdgeType(parts[2])}
			if !outgoing {
				k = graph.EdgeKey{SourceID: parts[1], TargetID: nodeID, Type: graph.EdgeType(parts[2])}
			}
			e, err := t.GetEdge(k)
			if err != nil {
				return nil, err
			}
			if e != nil {
				edges = append(edges, e)
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.Type < b.Type
	})
	return edges, nil
}

func (t *badgerTx) Outgoing(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error) {
	edges, err := t.adjacent(nodeID, true, categories)
	if err != nil {
		return nil, fmt.Errorf("listing outgoing edges of %s: %w", nodeID, err)
	}
	return edges, nil
}

func (t *badgerTx) Incoming(nodeID string, categories ...graph.EdgeCategory) ([]*graph.Edge, error) {
	edges, err := t.adjacent(nodeID, false, categories)
	if err != nil {
		return nil, fmt.Errorf("listing incoming edges of %s: %w", nodeID, err)
	}
	return edges, nil
}

func (t *badgerTx) SearchText(q TextQuery) ([]Match, error) {
	scores, err := ftsIndex{txn: t.txn}.search(q)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	types := make(map[graph.NodeType]bool, len(q.NodeTypes))
	for _, nt := range q.NodeTypes {
		types[nt] = true
	}

	matches := make([]Match, 0, len(scores))
	for id, score := range scores {
		n, err := t.GetNode(id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		if len(types) > 0 && !types[n.NodeType] {
			continue
		}
		if !strings.HasPrefix(n.FeaturePath, q.PathPrefix) {
			continue
		}
		matches = append(matches, Match{Node: n, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Node.ID < matches[j].Node.ID
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (t *badgerTx) Meta(key string) (string, bool, error) {
	item, err := t.txn.Get([]byte(prefixMeta + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %s: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, fmt.Errorf("reading meta %s: %w", key, err)
	}
	return string(val), true, nil
}

func (t *badgerTx) Stats() (Stats, error) {
	s := Stats{ByCategory: make(map[graph.EdgeCategory]int)}
	nodes, err := t.scanNodes(prefixNode, nil)
	if err != nil {
		return s, fmt.Errorf("counting nodes: %w", err)
	}
	for _, n := range nodes {
		s.Nodes++
		switch n.Level {
		case graph.LevelBranch:
			s.Branches++
		case graph.LevelLeaf:
			s.Leaves++
		}
		if FlagUnplaced.Matches(n) {
			s.Unplaced++
		}
		if n.Stale {
			s.Stale++
		}
	}

	for _, key := range t.scanKeys(prefixOutgoing) {
		parts := strings.Split(strings.TrimPrefix(string(key), prefixOutgoing), sep)
		if len(parts) != 4 {
			continue
		}
		s.ByCategory[graph.EdgeCategory(parts[1])]++
		s.Edges++
	}
	return s, nil
}

func (t *badgerTx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set(key, data)
}

func (t *badgerTx) PutNode(n *graph.Node) error {
	if err := validateNode(n); err != nil {
		return err
	}
	existing, err := t.GetNode(n.ID)
	if err != nil {
		return err
	}

	stored := n.Clone()
	stored.Features = nonNilStrings(stored.Features)
	stored.Metadata = graph.CleanMetadata(n.Metadata)
	now := time.Now().UTC()
	stored.UpdatedAt = now
	switch {
	case existing != nil:
		stored.CreatedAt = existing.CreatedAt
	case stored.CreatedAt.IsZero():
		stored.CreatedAt = now
	}

	if existing != nil && existing.ParentID != "" && existing.ParentID != stored.ParentID {
		if err := t.txn.Delete(childKey(existing.ParentID, n.ID)); err != nil {
			return fmt.Errorf("unlinking %s from %s: %w", n.ID, existing.ParentID, err)
		}
	}
	if stored.ParentID != "" {
		if err := t.txn.Set(childKey(stored.ParentID, n.ID), []byte{}); err != nil {
			return fmt.Errorf("linking %s to %s: %w", n.ID, stored.ParentID, err)
		}
	}

	if err := t.setJSON(nodeKey(n.ID), stored); err != nil {
		return fmt.Errorf("writing node %s: %w", n.ID, err)
	}
	if err := (ftsIndex{txn: t.txn}).indexNode(stored); err != nil {
		return fmt.Errorf("indexing node %s: %w", n.ID, err)
	}
	t.refs.addChild(n.ID)
	return nil
}

// DeleteNode removes the node, cascades to its edges and detaches its
// children, mirroring the sqlite foreign key actions.
func (t *badgerTx) DeleteNode(id string) error {
	n, err := t.GetNode(id)
	if err != nil || n == nil {
		return err
	}

	out, err := t.Outgoing(id)
	if err != nil {
		return err
	}
	in, err := t.Incoming(id)
	if err != nil {
		return err
	}
	for _, e := range append(out, in...) {
		if err := t.deleteEdge(e); err != nil {
			return fmt.Errorf("deleting node %s: %w", id, err)
		}
	}

	prefix := prefixChild + id + sep
	for _, key := range t.scanKeys(prefix) {
		child, err := t.GetNode(strings.TrimPrefix(string(key), prefix))
		if err != nil {
			return err
		}
		if child != nil && child.ParentID == id {
			child.ParentID = ""
			if err := t.setJSON(nodeKey(child.ID), child); err != nil {
				return fmt.Errorf("detaching child %s: %w", child.ID, err)
			}
		}
		if err := t.txn.Delete(key); err != nil {
			return fmt.Errorf("deleting child index: %w", err)
		}
	}

	if n.ParentID != "" {
		if err := t.txn.Delete(childKey(n.ParentID, id)); err != nil {
			return fmt.Errorf("deleting child index: %w", err)
		}
	}
	if err := (ftsIndex{txn: t.txn}).removeNode(id); err != nil {
		return fmt.Errorf("unindexing node %s: %w", id, err)
	}
	if err := t.txn.Delete(nodeKey(id)); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

func (t *badgerTx) PutEdge(e *graph.Edge) error {
	if err := validateEdge(e); err != nil {
		return err
	}
	existing, err := t.GetEdge(e.Key())
	if err != nil {
		return err
	}
	if existing != nil && existing.Category != e.Category {
		if err := t.deleteEdge(existing); err != nil {
			return err
		}
	}

	stored := *e
	stored.Metadata = nonNilMap(e.Metadata)
	if err := t.setJSON(edgeKey(e.Key()), &stored); err != nil {
		return fmt.Errorf("writing edge %s: %w", e.Key(), err)
	}
	if err := t.txn.Set(outKey(e), []byte{}); err != nil {
		return fmt.Errorf("setting outgoing index: %w", err)
	}
	if err := t.txn.Set(inKey(e), []byte{}); err != nil {
		return fmt.Errorf("setting incoming index: %w", err)
	}
	t.refs.addEdge(e.Key())
	return nil
}

func (t *badgerTx) deleteEdge(e *graph.Edge) error {
	for _, key := range [][]byte{edgeKey(e.Key()), outKey(e), inKey(e)} {
		if err := t.txn.Delete(key); err != nil {
			return fmt.Errorf("deleting edge %s: %w", e.Key(), err)
		}
	}
	return nil
}

func (t *badgerTx) DeleteEdge(key graph.EdgeKey) (bool, error) {
	e, err := t.GetEdge(key)
	if err != nil || e == nil {
		return false, err
	}
	return true, t.deleteEdge(e)
}

func (t *badgerTx) SetMeta(key, value string) error {
	if err := t.txn.Set([]byte(prefixMeta+key), []byte(value)); err != nil {
		return fmt.Errorf("writing meta %s: %w", key, err)
	}
	return nil
}
