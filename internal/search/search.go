// Package search runs ranked full-text queries over the Arbor graph.
package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
)

const (
	// DefaultMaxResults is used when no cap is given.
	DefaultMaxResults = 20
	// MaxResults is the largest cap accepted.
	MaxResults = 100
)

// Mode selects which indexed fields a query matches.
type Mode string

const (
	// ModeFeatures matches labels and feature paths.
	ModeFeatures Mode = "features"
	// ModeSnippets matches the free-text descriptors.
	ModeSnippets Mode = "snippets"
	// ModeAuto matches every indexed field.
	ModeAuto Mode = "auto"
)

// Modes lists every mode.
var Modes = []Mode{ModeFeatures, ModeSnippets, ModeAuto}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFeatures, ModeSnippets, ModeAuto:
		return true
	}
	return false
}

// ParseMode converts s into a Mode. An empty string means ModeAuto.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeAuto, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown search mode %q", graph.ErrInvalidInput, s)
	}
	return m, nil
}

// Fields returns the indexed fields a mode matches against. ModeAuto
// returns nil, meaning every field.
func (m Mode) Fields() []storage.TextField {
	switch m {
	case ModeFeatures:
		return []storage.TextField{storage.FieldFeature, storage.FieldFeaturePath}
	case ModeSnippets:
		return []storage.TextField{storage.FieldFeatures}
	case ModeAuto:
		return nil
	}
	return nil
}

// Query is a search request.
type Query struct {
	// Text is the raw user query.
	Text string

	Mode Mode

	// Scope lists feature path prefixes. Empty means the whole graph.
	Scope []string

	// MaxResults caps the result list. Values below one mean
	// DefaultMaxResults; values above MaxResults are capped.
	MaxResults int

	// NodeTypes restricts results to these types. Empty means all.
	NodeTypes []graph.NodeType
}

// Hit is a ranked search result.
type Hit struct {
	NodeID      string         `json:"nodeId"`
	NodeType    graph.NodeType `json:"nodeType"`
	Feature     string         `json:"feature"`
	FeaturePath string         `json:"featurePath"`
	Score       float64        `json:"score"`
	Stale       bool           `json:"stale"`
}

// Result holds ranked hits and the number of matches before capping.
type Result struct {
	Results    []Hit `json:"results"`
	TotalFound int   `json:"totalFound"`
}

// specialChars are stripped from raw queries before matching.
const specialChars = "\"“”*():^{}+-"

// Sanitize strips full-text operator characters from raw and splits the
// rest into terms.
func Sanitize(raw string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(specialChars, r) {
			return ' '
		}
		return r
	}, raw)
	return strings.Fields(cleaned)
}

// Search runs q against r. A query without usable terms returns an empty
// result without touching the index. With several scopes, one query runs
// per scope and a node matching more than one is kept once.
func Search(r storage.Reader, q Query) (*Result, error) {
	result := &Result{Results: []Hit{}}

	terms := Sanitize(q.Text)
	if len(terms) == 0 {
		return result, nil
	}

	mode := q.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown search mode %q", graph.ErrInvalidInput, mode)
	}
	limit := clampLimit(q.MaxResults)

	scopes := q.Scope
	if len(scopes) == 0 {
		scopes = []string{""}
	}

	seen := make(map[string]struct{})
	for _, scope := range scopes {
		matches, err := r.SearchText(storage.TextQuery{
			Terms:      terms,
			Fields:     mode.Fields(),
			NodeTypes:  q.NodeTypes,
			PathPrefix: scope,
			Limit:      limit,
		})
		if err != nil {
			return nil, fmt.Errorf("searching %q: %w", q.Text, err)
		}

		for _, m := range matches {
			if _, dup := seen[m.Node.ID]; dup {
				continue
			}
			seen[m.Node.ID] = struct{}{}
			result.Results = append(result.Results, Hit{
				NodeID:      m.Node.ID,
				NodeType:    m.Node.NodeType,
				Feature:     m.Node.Feature,
				FeaturePath: m.Node.FeaturePath,
				Score:       m.Score,
				Stale:       m.Node.Stale,
			})
		}
	}

	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].Score > result.Results[j].Score
	})

	result.TotalFound = len(result.Results)
	if len(result.Results) > limit {
		result.Results = result.Results[:limit]
	}
	return result, nil
}

func clampLimit(n int) int {
	switch {
	case n < 1:
		return DefaultMaxResults
	case n > MaxResults:
		return MaxResults
	default:
		return n
	}
}
