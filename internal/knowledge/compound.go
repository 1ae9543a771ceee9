// Package knowledge records solutions, patterns and pitfalls in the graph
// and writes a markdown document for each of them.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/tree"
)

// Severity ranks a knowledge entry.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Severities lists every severity.
var Severities = []Severity{SeverityP1, SeverityP2, SeverityP3}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityP1, SeverityP2, SeverityP3:
		return true
	}
	return false
}

// Metadata keys of a knowledge leaf.
const (
	MetaSeverity = "severity"
	MetaContent  = "content"
)

// Entry is a knowledge entry to record.
type Entry struct {
	Type           graph.NodeType `json:"type" validate:"required,knowledgetype"`
	Title          string         `json:"title" validate:"required,max=200"`
	Content        string         `json:"content" validate:"required"`
	Tags           []string       `json:"tags,omitempty"`
	Severity       Severity       `json:"severity,omitempty" validate:"omitempty,oneof=P1 P2 P3"`
	RelatedNodeIDs []string       `json:"relatedNodeIds,omitempty"`
	ParentBranchID string         `json:"parentBranchId,omitempty"`
}

// Result describes a recorded entry. FilePath is nil when no document was
// written.
type Result struct {
	NodeID       string  `json:"nodeId"`
	FilePath     *string `json:"filePath"`
	EdgesCreated int     `json:"edgesCreated"`
}

// Compounder records knowledge entries.
type Compounder struct {
	store   storage.Backend
	mutator *tree.Mutator
	writer  DocumentWriter
	logger  *slog.Logger
}

// NewCompounder creates a Compounder. A nil writer disables documents and a
// nil logger means slog.Default().
func NewCompounder(store storage.Backend, mutator *tree.Mutator, writer DocumentWriter, logger *slog.Logger) *Compounder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compounder{store: store, mutator: mutator, writer: writer, logger: logger}
}

// NodeID returns the id of the leaf recording an entry of the given type
// and title.
func NodeID(t graph.NodeType, title string) string {
	return graph.KnowledgeID(t, Slugify(title))
}

// Compound seeds the entry as a leaf, links it to every related node that
// exists with a documents edge, and writes its document when the store
// knows the project root. A failed document write is logged and leaves the
// graph as written.
func (c *Compounder) Compound(ctx context.Context, e *Entry) (*Result, error) {
	if !e.Type.IsKnowledge() {
		return nil, fmt.Errorf("%w: %q is not a knowledge type", graph.ErrInvalidInput, e.Type)
	}
	if Slugify(e.Title) == "" {
		return nil, fmt.Errorf("%w: title %q has no usable characters", graph.ErrInvalidInput, e.Title)
	}
	nodeID := NodeID(e.Type, e.Title)

	var severity any
	if e.Severity != "" {
		severity = string(e.Severity)
	}
	_, err := c.mutator.Seed(ctx, []tree.LeafRecord{{
		ID:       nodeID,
		NodeType: e.Type,
		Feature:  e.Title,
		Features: e.Tags,
		Metadata: map[string]any{MetaSeverity: severity, MetaContent: e.Content},
		ParentID: e.ParentBranchID,
	}})
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", nodeID, err)
	}

	result := &Result{NodeID: nodeID}
	if len(e.RelatedNodeIDs) > 0 {
		if result.EdgesCreated, err = c.mutator.Link(ctx, nodeID, e.RelatedNodeIDs, graph.EdgeDocuments, graph.CategoryKnowledge); err != nil {
			return nil, err
		}
	}

	var projectRoot string
	err = c.store.View(ctx, func(r storage.Reader) error {
		var err error
		projectRoot, _, err = r.Meta(storage.MetaProjectRoot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading project root: %w", err)
	}

	if c.writer == nil || projectRoot == "" {
		return result, nil
	}
	path, err := c.writer.Write(projectRoot, &Document{
		Title:    e.Title,
		Type:     e.Type,
		Content:  e.Content,
		Tags:     e.Tags,
		Severity: e.Severity,
	})
	if err != nil {
		c.logger.Warn("knowledge document not written", "node", nodeID, "error", err)
		return result, nil
	}
	result.FilePath = &path
	return result, nil
}
