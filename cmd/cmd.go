// Package cmd provides CLI command implementations for Arbor.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/arbor-go/internal/config"
	"github.com/Benny93/arbor-go/internal/engine"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/metrics"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/watch"
	"github.com/Benny93/arbor-go/mcp"
)

// Version is set at build time via ldflags.
var Version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Dir      string `short:"C" default:"." help:"Project directory"`
	LogLevel string `help:"Log level (debug|info|warn|error); overrides log.level"`
	JSON     bool   `help:"Print machine-readable JSON"`

	out    io.Writer `kong:"-"`
	errOut io.Writer `kong:"-"`
}

func (g *Globals) stdout() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

func (g *Globals) stderr() io.Writer {
	if g.errOut == nil {
		return os.Stderr
	}
	return g.errOut
}

// logger writes text records to stderr; stdout belongs to MCP in serve.
func (g *Globals) logger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if g.LogLevel != "" {
		level = config.ParseLevel(g.LogLevel)
	}
	return slog.New(slog.NewTextHandler(g.stderr(), &slog.HandlerOptions{Level: level}))
}

// open loads the project configuration and opens its engine.
func (g *Globals) open(ctx context.Context, m *metrics.Metrics) (*engine.Engine, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := g.logger(cfg)
	eng, err := engine.Open(ctx, cfg, engine.Options{
		Logger:  logger,
		Metrics: m,
		Writer:  &knowledge.FileWriter{},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, cfg, logger, nil
}

// print writes v as JSON when --json is set and calls human otherwise.
func (g *Globals) print(v any, human func(w io.Writer)) error {
	if g.JSON {
		enc := json.NewEncoder(g.stdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(g.stdout())
	return nil
}

// InitCmd prepares a project for Arbor.
type InitCmd struct {
	Reset   bool   `help:"Delete the existing store first"`
	Backend string `help:"Storage backend (sqlite|badger); keeps the configured one when empty"`
}

// Run executes the init command.
func (c *InitCmd) Run(g *Globals) error {
	ctx := context.Background()
	root, err := filepath.Abs(g.Dir)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	cfg, err := config.Load(root)
	switch {
	case errors.Is(err, config.ErrNotInitialized):
		cfg = config.Default(root)
	case err != nil:
		return err
	}
	cfg.ProjectRoot = root
	if c.Reset {
		if err := removeStore(cfg.StoragePath()); err != nil {
			return err
		}
	}
	if c.Backend != "" {
		cfg.Storage.Backend = c.Backend
	}
	if err := config.Save(root, cfg); err != nil {
		return err
	}

	eng, err := engine.Open(ctx, cfg, engine.Options{Logger: g.logger(cfg)})
	if err != nil {
		return err
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	return g.print(map[string]string{
		"projectRoot": root,
		"backend":     cfg.Storage.Backend,
		"storagePath": cfg.StoragePath(),
	}, func(w io.Writer) {
		color.New(color.FgGreen).Fprintf(w, "✓ Initialized Arbor in %s (%s)\n", root, cfg.Storage.Backend)
	})
}

// removeStore deletes a store and, for sqlite, its WAL side files.
func removeStore(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// ServeCmd starts the MCP server.
type ServeCmd struct {
	Watch       bool   `short:"w" help:"Mark changed files stale while serving"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address; overrides metrics.addr"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	eng, cfg, logger, err := g.open(ctx, m)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)

	server := mcp.NewServer(eng, Version, logger)
	group.Go(func() error {
		// The session is over when the client hangs up; stop the rest too.
		defer cancel()
		return server.Run(gctx)
	})

	addr := c.MetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		serveMetrics(gctx, group, addr, m, logger)
	}

	if c.Watch || cfg.Watch.Enabled {
		w, err := newWatcher(cfg, eng, logger)
		if err != nil {
			return err
		}
		group.Go(func() error { return w.Run(gctx) })
	}

	return group.Wait()
}

func serveMetrics(ctx context.Context, group *errgroup.Group, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group.Go(func() error {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func newWatcher(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) (*watch.Watcher, error) {
	return watch.New(cfg.ProjectRoot, eng, watch.Options{
		Debounce: cfg.Watch.Debounce,
		Exclude:  cfg.Watch.Exclude,
		Logger:   logger.With("component", "watch"),
	})
}

// WatchCmd marks changed files stale until interrupted.
type WatchCmd struct{}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cfg, logger, err := g.open(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	w, err := newWatcher(cfg, eng, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout(), "Watching %s for changes (Ctrl+C to stop)\n", cfg.ProjectRoot)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("watching: %w", err)
	}
	fmt.Fprintln(g.stdout(), "Watch mode stopped.")
	return nil
}

// StatusCmd shows what the graph holds.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	eng, _, _, err := g.open(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	st, err := eng.Status(ctx)
	if err != nil {
		return err
	}
	return g.print(st, func(w io.Writer) {
		fmt.Fprintf(w, "Arbor status for %s\n", st.ProjectRoot)
		fmt.Fprintf(w, "  Schema version: %s\n", st.SchemaVersion)
		fmt.Fprintf(w, "  Nodes:          %d (%d branches, %d leaves)\n", st.Nodes, st.Branches, st.Leaves)
		fmt.Fprintf(w, "  Edges:          %d\n", st.Edges)
		for _, cat := range sortedCategories(st.ByCategory) {
			fmt.Fprintf(w, "    %-12s %d\n", cat, st.ByCategory[cat])
		}
		warn := color.New(color.FgYellow)
		if st.Unplaced > 0 {
			warn.Fprintf(w, "  Unplaced:       %d\n", st.Unplaced)
		} else {
			fmt.Fprintf(w, "  Unplaced:       0\n")
		}
		if st.Stale > 0 {
			warn.Fprintf(w, "  Stale:          %d\n", st.Stale)
		} else {
			fmt.Fprintf(w, "  Stale:          0\n")
		}
	})
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run executes the version command.
func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.stdout(), "arbor %s (schema %s)\n", Version, storage.SchemaVersion)
	return nil
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Init     InitCmd     `cmd:"" help:"Initialize Arbor in a project"`
	Serve    ServeCmd    `cmd:"" help:"Start the MCP server (stdio transport)"`
	Watch    WatchCmd    `cmd:"" help:"Mark changed files stale until interrupted"`
	Status   StatusCmd   `cmd:"" help:"Show node and edge counts"`
	Seed     SeedCmd     `cmd:"" help:"Create or update leaf nodes from JSON"`
	Graft    GraftCmd    `cmd:"" help:"Create or update branches and edges from JSON"`
	Uproot   UprootCmd   `cmd:"" help:"Delete nodes and edges"`
	Search   SearchCmd   `cmd:"" help:"Search the graph"`
	Fetch    FetchCmd    `cmd:"" help:"Fetch nodes by id, feature path or flag"`
	Explore  ExploreCmd  `cmd:"" help:"Walk the graph from start nodes"`
	Impact   ImpactCmd   `cmd:"" help:"Show what is connected to the given nodes"`
	Compound CompoundCmd `cmd:"" help:"Record a solution, pattern or pitfall"`
	Stale    StaleCmd    `cmd:"" help:"Mark nodes stale"`
	Setup    SetupCmd    `cmd:"" help:"Configure MCP clients to use Arbor"`
	Ver      VersionCmd  `cmd:"" name:"version" help:"Print the version"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("arbor"),
		kong.Description("Graph memory for code and the knowledge around it"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
		kong.Writers(c.stdout(), c.stderr()),
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run(&c.Globals)
}
