package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/arbor-go/internal/graph"
)

// DocumentDir is where documents are written, relative to the project root.
var DocumentDir = filepath.Join("docs", "solutions")

// ErrNoFrontmatter is returned by ParseDocument for input that does not
// start with a frontmatter block.
var ErrNoFrontmatter = errors.New("document has no frontmatter")

const (
	frontmatterDelim = "---"
	dateLayout       = "2006-01-02"
	statusResolved   = "resolved"
)

// Document is the human-readable record of a knowledge entry.
type Document struct {
	Title    string
	Type     graph.NodeType
	Content  string
	Tags     []string
	Severity Severity
	// Date is the day the entry was recorded, formatted YYYY-MM-DD.
	Date string
}

// DocumentWriter persists documents. Implementations may fail
// independently of the graph state.
type DocumentWriter interface {
	// Write stores doc under projectRoot and returns the absolute path.
	Write(projectRoot string, doc *Document) (string, error)
}

type frontmatter struct {
	Title    string   `yaml:"title"`
	Date     string   `yaml:"date"`
	Tags     []string `yaml:"tags"`
	Category string   `yaml:"category"`
	Severity *string  `yaml:"severity"`
	Status   string   `yaml:"status"`
}

// categoryOf maps a knowledge type to its document category.
func categoryOf(t graph.NodeType) string {
	switch t {
	case graph.NodeSolution:
		return "solutions"
	case graph.NodePattern:
		return "patterns"
	case graph.NodePitfall:
		return "pitfalls"
	}
	return ""
}

func typeOf(category string) graph.NodeType {
	switch category {
	case "solutions":
		return graph.NodeSolution
	case "patterns":
		return graph.NodePattern
	case "pitfalls":
		return graph.NodePitfall
	}
	return ""
}

// FileWriter writes documents as markdown files with a YAML frontmatter
// block to <root>/docs/solutions/YYYY-MM-DD-<slug>.md.
type FileWriter struct {
	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

// Write implements DocumentWriter. A document for the same title on the
// same day replaces the previous file.
func (w *FileWriter) Write(projectRoot string, doc *Document) (string, error) {
	if projectRoot == "" {
		return "", errors.New("project root is empty")
	}
	slug := Slugify(doc.Title)
	if slug == "" {
		return "", fmt.Errorf("%w: title %q has no usable characters", graph.ErrInvalidInput, doc.Title)
	}

	date := doc.Date
	if date == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		date = now().Format(dateLayout)
	}

	data, err := Render(&Document{
		Title:    doc.Title,
		Type:     doc.Type,
		Content:  doc.Content,
		Tags:     doc.Tags,
		Severity: doc.Severity,
		Date:     date,
	})
	if err != nil {
		return "", err
	}

	dir := filepath.Join(projectRoot, DocumentDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, date+"-"+slug+".md")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// Render formats doc as markdown with a frontmatter block.
func Render(doc *Document) ([]byte, error) {
	fm := frontmatter{
		Title:    doc.Title,
		Date:     doc.Date,
		Tags:     doc.Tags,
		Category: categoryOf(doc.Type),
		Status:   statusResolved,
	}
	if fm.Tags == nil {
		fm.Tags = []string{}
	}
	if doc.Severity != "" {
		s := string(doc.Severity)
		fm.Severity = &s
	}

	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(bytes.TrimSpace(head))
	buf.WriteString("\n" + frontmatterDelim + "\n\n")
	buf.WriteString(doc.Content)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// ParseDocument reads a document produced by Render.
func ParseDocument(data []byte) (*Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, ErrNoFrontmatter
	}
	rest := text[len(frontmatterDelim)+1:]

	end := strings.Index(rest, "\n"+frontmatterDelim+"\n")
	if end < 0 {
		if !strings.HasSuffix(rest, "\n"+frontmatterDelim) {
			return nil, ErrNoFrontmatter
		}
		end = len(rest) - len(frontmatterDelim) - 1
	}
	head := rest[:end]
	body := ""
	if start := end + len(frontmatterDelim) + 2; start < len(rest) {
		body = rest[start:]
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return nil, fmt.Errorf("decoding frontmatter: %w", err)
	}

	doc := &Document{
		Title:   fm.Title,
		Type:    typeOf(fm.Category),
		Content: strings.TrimSuffix(strings.TrimPrefix(body, "\n"), "\n"),
		Tags:    fm.Tags,
		Date:    fm.Date,
	}
	if fm.Severity != nil {
		doc.Severity = Severity(*fm.Severity)
	}
	return doc, nil
}
