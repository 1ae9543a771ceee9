package knowledge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/arbor-go/internal/graph"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"JWT Expiration Trap", "jwt-expiration-trap"},
		{"N+1 해결법", "n1-해결법"},
		{"Hello! World@#$", "hello-world"},
		{"  --Leading and trailing--  ", "leading-and-trailing"},
		{"a - b\t\tc", "a-b-c"},
		{"Café au lait", "caf-au-lait"},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Slugify(tt.input))
		})
	}
}

func TestNodeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "knowledge:pitfall:jwt-expiration-trap", NodeID(graph.NodePitfall, "JWT Expiration Trap"))
}

func setupTestWriter(t *testing.T) (*FileWriter, string) {
	t.Helper()
	fixed := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	return &FileWriter{Now: func() time.Time { return fixed }}, t.TempDir()
}

func TestFileWriter_Write(t *testing.T) {
	t.Parallel()

	w, root := setupTestWriter(t)
	path, err := w.Write(root, &Document{
		Title:    "JWT Expiration Trap",
		Type:     graph.NodePitfall,
		Content:  "## Problem\n\nTokens expire mid-request.",
		Tags:     []string{"security", "jwt"},
		Severity: SeverityP2,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "docs", "solutions", "2025-01-15-jwt-expiration-trap.md"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, "---\ntitle: JWT Expiration Trap\n")
	assert.Contains(t, content, "2025-01-15")
	assert.Contains(t, content, "category: pitfalls")
	assert.Contains(t, content, "severity: P2")
	assert.Contains(t, content, "status: resolved")
	assert.Contains(t, content, "\n---\n\n## Problem\n\nTokens expire mid-request.\n")
}

func TestFileWriter_WriteWithoutSeverity(t *testing.T) {
	t.Parallel()

	w, root := setupTestWriter(t)
	path, err := w.Write(root, &Document{Title: "No Severity", Type: graph.NodePattern, Content: "content"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "severity: null")
	assert.Contains(t, string(data), "tags: []")
	assert.Contains(t, string(data), "category: patterns")
}

func TestFileWriter_Errors(t *testing.T) {
	t.Parallel()

	w, root := setupTestWriter(t)

	_, err := w.Write("", &Document{Title: "x", Type: graph.NodeSolution})
	assert.Error(t, err)

	_, err = w.Write(root, &Document{Title: "!!!", Type: graph.NodeSolution})
	assert.ErrorIs(t, err, graph.ErrInvalidInput)

	blocked := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("file, not a dir"), 0o644))
	_, err = w.Write(blocked, &Document{Title: "x", Type: graph.NodeSolution})
	assert.Error(t, err)
}

func TestParseDocument(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Title:    "Retry with jitter",
		Type:     graph.NodeSolution,
		Content:  "Use exponential backoff.\n\n- cap at 30s",
		Tags:     []string{"network"},
		Severity: SeverityP3,
		Date:     "2025-02-01",
	}
	data, err := Render(doc)
	require.NoError(t, err)

	parsed, err := ParseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, doc, parsed)

	t.Run("NoFrontmatter", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDocument([]byte("# just markdown\n"))
		assert.ErrorIs(t, err, ErrNoFrontmatter)
	})

	t.Run("Unterminated", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDocument([]byte("---\ntitle: x\n"))
		assert.ErrorIs(t, err, ErrNoFrontmatter)
	})

	t.Run("HandWritten", func(t *testing.T) {
		t.Parallel()
		parsed, err := ParseDocument([]byte("---\r\ntitle: Cache stampede\r\ncategory: pitfalls\r\nseverity: null\r\n---\r\n\r\nBody\r\n"))
		require.NoError(t, err)
		assert.Equal(t, "Cache stampede", parsed.Title)
		assert.Equal(t, graph.NodePitfall, parsed.Type)
		assert.Empty(t, parsed.Severity)
		assert.Equal(t, "Body", parsed.Content)
	})
}
