package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/arbor-go/internal/graph"
)

// Expression renders q as an FTS5 MATCH expression. Every term becomes a
// quoted string, and a column filter, when present, applies to all of them.
// It returns "" when q has no terms.
func (q TextQuery) Expression() string {
	if len(q.Terms) == 0 {
		return ""
	}

	quoted := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	terms := strings.Join(quoted, " ")

	if len(q.Fields) == 0 || len(q.Fields) == len(TextFields) {
		return terms
	}
	cols := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		cols = append(cols, string(f))
	}
	return "{" + strings.Join(cols, " ") + "} : (" + terms + ")"
}

func (q TextQuery) fields() []TextField {
	if len(q.Fields) == 0 {
		return TextFields
	}
	return q.Fields
}

// tokenize splits text the way the FTS5 unicode61 tokenizer does: runs of
// letters and digits, case folded.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// nodeText returns the indexed text of each mirrored column.
func nodeText(n *graph.Node) map[TextField]string {
	features, _ := json.Marshal(nonNilStrings(n.Features))
	return map[TextField]string{
		FieldID:          n.ID,
		FieldFeature:     n.Feature,
		FieldFeatures:    string(features),
		FieldFeaturePath: n.FeaturePath,
	}
}

// Key layout of the inverted index:
//
//	t\x00{field}\x00{token}\x00{nodeID} -> term frequency
//	d\x00{nodeID}                        -> JSON list of the node's t keys
const (
	prefixFTSToken = "t\x00"
	prefixFTSDoc   = "d\x00"
)

func ftsTokenPrefix(field TextField, token string) string {
	return prefixFTSToken + string(field) + sep + token + sep
}

// ftsIndex maintains the inverted index inside the caller's transaction so
// the mirror commits or rolls back together with the node rows.
type ftsIndex struct {
	txn *badger.Txn
}

// indexNode replaces the index entries of n.
func (f ftsIndex) indexNode(n *graph.Node) error {
	if err := f.removeNode(n.ID); err != nil {
		return err
	}

	var keys []string
	for field, text := range nodeText(n) {
		freq := make(map[string]int)
		for _, tok := range tokenize(text) {
			freq[tok]++
		}
		for tok, count := range freq {
			key := ftsTokenPrefix(field, tok) + n.ID
			if err := f.txn.Set([]byte(key), []byte(strconv.Itoa(count))); err != nil {
				return fmt.Errorf("setting token index: %w", err)
			}
			keys = append(keys, key)
		}
	}

	doc, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding index record: %w", err)
	}
	if err := f.txn.Set([]byte(prefixFTSDoc+n.ID), doc); err != nil {
		return fmt.Errorf("setting index record: %w", err)
	}
	return nil
}

// removeNode drops every index entry of the node.
func (f ftsIndex) removeNode(nodeID string) error {
	docKey := []byte(prefixFTSDoc + nodeID)
	item, err := f.txn.Get(docKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index record: %w", err)
	}

	var keys []string
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &keys)
	}); err != nil {
		return fmt.Errorf("decoding index record: %w", err)
	}

	for _, key := range keys {
		if err := f.txn.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting token index: %w", err)
		}
	}
	if err := f.txn.Delete(docKey); err != nil {
		return fmt.Errorf("deleting index record: %w", err)
	}
	return nil
}

// search returns the ids of nodes matching every term of q, scored by the
// summed term frequency over the allowed fields. A term spanning several
// tokens requires all of them but not their adjacency. Terms without tokens
// match everything, as empty FTS5 phrases do.
func (f ftsIndex) search(q TextQuery) (map[string]float64, error) {
	var scores map[string]float64

	for _, term := range q.Terms {
		tokens := tokenize(term)
		if len(tokens) == 0 {
			continue
		}
		for _, tok := range tokens {
			hits, err := f.lookup(tok, q.fields())
			if err != nil {
				return nil, err
			}
			if scores == nil {
				scores = hits
			} else {
				for id := range scores {
					if h, ok := hits[id]; ok {
						scores[id] += h
					} else {
						delete(scores, id)
					}
				}
			}
			if len(scores) == 0 {
				return nil, nil
			}
		}
	}
	return scores, nil
}

func (f ftsIndex) lookup(token string, fields []TextField) (map[string]float64, error) {
	hits := make(map[string]float64)
	for _, field := range fields {
		prefix := ftsTokenPrefix(field, token)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := f.txn.NewIterator(opts)

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			nodeID := strings.TrimPrefix(string(item.Key()), prefix)

			var freq int
			if err := item.Value(func(val []byte) error {
				var err error
				freq, err = strconv.Atoi(string(val))
				return err
			}); err != nil {
				it.Close()
				return nil, fmt.Errorf("reading token frequency: %w", err)
			}
			hits[nodeID] += float64(freq)
		}
		it.Close()
	}
	return hits, nil
}
