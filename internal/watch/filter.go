package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Filter decides which project paths are watched. Paths are relative to
// the project root and slash-separated.
type Filter struct {
	exclude []string
	matcher gitignore.Matcher
}

// NewFilter builds a filter from exclude globs (doublestar syntax) and the
// .gitignore at the project root, if any.
func NewFilter(root string, exclude []string) (*Filter, error) {
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	matcher, err := loadGitignore(root)
	if err != nil {
		return nil, err
	}
	return &Filter{exclude: exclude, matcher: matcher}, nil
}

// Ignored reports whether rel is excluded or gitignored.
func (f *Filter) Ignored(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git/") {
		return true
	}
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return f.matcher != nil && f.matcher.Match(strings.Split(rel, "/"), isDir)
}

func loadGitignore(root string) (gitignore.Matcher, error) {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading .gitignore: %w", err)
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return gitignore.NewMatcher(patterns), nil
}
