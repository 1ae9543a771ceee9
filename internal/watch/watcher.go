// Package watch flags the code leaves of changed files stale while a
// project is being edited.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Marker flags the code leaves recorded for project-relative file paths.
type Marker interface {
	MarkFilesStale(ctx context.Context, paths []string) (int, error)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the watcher waits after the last change before
	// flushing a batch. Zero flushes every change at once.
	Debounce time.Duration

	// Exclude lists doublestar globs of paths to ignore.
	Exclude []string

	Logger *slog.Logger
}

// Watcher reports file changes under a project root to a Marker in
// debounced batches.
type Watcher struct {
	root     string
	marker   Marker
	filter   *Filter
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// New starts watching every non-ignored directory under root. Changes are
// delivered once Run is called.
func New(root string, marker Marker, opts Options) (*Watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	filter, err := NewFilter(root, opts.Exclude)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		marker:   marker,
		filter:   filter,
		debounce: opts.Debounce,
		logger:   logger,
		fsw:      fsw,
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.filter.Ignored(w.rel(path), true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Run delivers batches until ctx is done, then flushes what is pending and
// closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	w.logger.Info("watching for changes", "root", w.root, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx), pending)
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.accept(event)
			if !ok {
				continue
			}
			pending[rel] = struct{}{}
			if w.debounce <= 0 {
				w.flush(ctx, pending)
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			w.flush(ctx, pending)
		}
	}
}

// accept returns the relative path of a file event worth reporting. New
// directories are added to the watch list instead.
func (w *Watcher) accept(event fsnotify.Event) (string, bool) {
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	rel := w.rel(event.Name)
	if rel == "" || rel == "." {
		return "", false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.filter.Ignored(rel, true) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watching new directory", "path", rel, "error", err)
				}
			}
			return "", false
		}
	}
	if w.filter.Ignored(rel, false) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	clear(pending)

	n, err := w.marker.MarkFilesStale(ctx, paths)
	if err != nil {
		w.logger.Error("marking changed files stale", "files", len(paths), "error", err)
		return
	}
	w.logger.Info("changed files", "files", len(paths), "marked", n)
}
