package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/Benny93/arbor-go/internal/engine"
	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/traversal"
)

// withEngine opens the project engine for the duration of fn.
func withEngine(g *Globals, fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := context.Background()
	eng, _, _, err := g.open(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()
	return fn(ctx, eng)
}

// readRequest decodes a JSON request from path, or from stdin for "-".
func readRequest(path string, stdin io.Reader, v any) error {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", graph.ErrInvalidInput, path, err)
	}
	return nil
}

// parseEach converts every flag value with parse.
func parseEach[T any](values []string, parse func(string) (T, error)) ([]T, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]T, 0, len(values))
	for _, v := range values {
		parsed, err := parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

func sortedCategories(m map[graph.EdgeCategory]int) []graph.EdgeCategory {
	cats := make([]graph.EdgeCategory, 0, len(m))
	for c := range m {
		cats = append(cats, c)
	}
	slices.Sort(cats)
	return cats
}

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	faint  = color.New(color.Faint)
)

func printNode(w io.Writer, prefix string, n *graph.Node) {
	bold.Fprintf(w, "%s%s", prefix, n.Feature)
	fmt.Fprintf(w, " (%s) %s", n.NodeType, n.ID)
	if n.Stale {
		yellow.Fprint(w, " [stale]")
	}
	if n.Unplaced {
		yellow.Fprint(w, " [unplaced]")
	}
	fmt.Fprintln(w)
	if n.FeaturePath != "" {
		faint.Fprintf(w, "%s   %s\n", strings.Repeat(" ", len(prefix)), n.FeaturePath)
	}
}

// SeedCmd creates or updates leaves.
type SeedCmd struct {
	File string `short:"f" required:"" help:"JSON file with {\"nodes\": [...]}, or - for stdin"`

	stdin io.Reader `kong:"-"`
}

// Run executes the seed command.
func (c *SeedCmd) Run(g *Globals) error {
	var req engine.SeedRequest
	if err := readRequest(c.File, stdinOr(c.stdin), &req); err != nil {
		return err
	}
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Seed(ctx, &req)
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			green.Fprintf(w, "✓ Seeded %d created, %d updated\n", res.Created, res.Updated)
		})
	})
}

// GraftCmd creates or updates branches and adds edges.
type GraftCmd struct {
	File string `short:"f" required:"" help:"JSON file with {\"branches\": [...], \"edges\": [...]}, or - for stdin"`

	stdin io.Reader `kong:"-"`
}

// Run executes the graft command.
func (c *GraftCmd) Run(g *Globals) error {
	var req engine.GraftRequest
	if err := readRequest(c.File, stdinOr(c.stdin), &req); err != nil {
		return err
	}
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Graft(ctx, &req)
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			green.Fprintf(w, "✓ Grafted %d branches created, %d updated, %d edges\n",
				res.BranchesCreated, res.BranchesUpdated, res.EdgesCreated)
		})
	})
}

func stdinOr(r io.Reader) io.Reader {
	if r == nil {
		return os.Stdin
	}
	return r
}

// UprootCmd deletes nodes and edges.
type UprootCmd struct {
	IDs   []string `arg:"" optional:"" help:"Node ids to delete"`
	Edges []string `name:"edge" sep:"none" help:"Edge to delete as source,target,type"`
}

// Run executes the uproot command.
func (c *UprootCmd) Run(g *Globals) error {
	req := engine.UprootRequest{NodeIDs: c.IDs}
	for _, raw := range c.Edges {
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			return fmt.Errorf("%w: edge %q is not source,target,type", graph.ErrInvalidInput, raw)
		}
		edgeType, err := graph.ParseEdgeType(parts[2])
		if err != nil {
			return err
		}
		req.EdgeKeys = append(req.EdgeKeys, graph.EdgeKey{
			SourceID: strings.TrimSpace(parts[0]),
			TargetID: strings.TrimSpace(parts[1]),
			Type:     edgeType,
		})
	}
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Uproot(ctx, &req)
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			green.Fprintf(w, "✓ Removed %d nodes, %d edges; pruned %d empty branches\n",
				res.NodesRemoved, res.EdgesRemoved, res.OrphansPruned)
		})
	})
}

// SearchCmd searches the graph.
type SearchCmd struct {
	Query string   `arg:"" help:"Search query"`
	Mode  string   `default:"auto" help:"What to match (features|snippets|auto)"`
	Scope []string `help:"Feature path prefixes to search under"`
	Limit int      `short:"n" default:"20" help:"Maximum results"`
	Type  []string `help:"Node types to return"`
}

// Run executes the search command.
func (c *SearchCmd) Run(g *Globals) error {
	mode, err := search.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	nodeTypes, err := parseEach(c.Type, graph.ParseNodeType)
	if err != nil {
		return err
	}
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Search(ctx, &engine.SearchRequest{
			Query:          c.Query,
			Mode:           mode,
			Scope:          c.Scope,
			MaxResults:     c.Limit,
			NodeTypeFilter: nodeTypes,
		})
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			if len(res.Results) == 0 {
				fmt.Fprintln(w, "No results found")
				return
			}
			fmt.Fprintf(w, "Found %d results for '%s' (showing %d):\n\n", res.TotalFound, c.Query, len(res.Results))
			for i, hit := range res.Results {
				bold.Fprintf(w, "%d. %s", i+1, hit.Feature)
				fmt.Fprintf(w, " (%s) %s", hit.NodeType, hit.NodeID)
				if hit.Stale {
					yellow.Fprint(w, " [stale]")
				}
				fmt.Fprintln(w)
				if hit.FeaturePath != "" {
					fmt.Fprintf(w, "   Path:  %s\n", hit.FeaturePath)
				}
				fmt.Fprintf(w, "   Score: %.3f\n", hit.Score)
			}
		})
	})
}

// FetchCmd prints nodes with their children.
type FetchCmd struct {
	ID     []string `name:"id" help:"Node ids to fetch"`
	Path   []string `help:"Feature path prefixes to fetch"`
	Filter string   `help:"Keep only unplaced or stale nodes"`
	Deps   bool     `help:"Include direct code dependencies"`
}

// Run executes the fetch command.
func (c *FetchCmd) Run(g *Globals) error {
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Fetch(ctx, &engine.FetchRequest{
			NodeIDs:             c.ID,
			FeaturePaths:        c.Path,
			IncludeDependencies: c.Deps,
			Filter:              storage.Flag(c.Filter),
		})
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			if len(res.Results) == 0 {
				fmt.Fprintln(w, "No nodes found")
				return
			}
			for _, item := range res.Results {
				printNode(w, "", item.Node)
				for _, child := range item.Children {
					printNode(w, "  - ", child)
				}
				for _, dep := range item.Dependencies {
					fmt.Fprintf(w, "  %s -%s-> %s\n", dep.SourceID, dep.Type, dep.TargetID)
				}
			}
		})
	})
}

// ExploreCmd walks the graph.
type ExploreCmd struct {
	IDs       []string `arg:"" help:"Start node ids"`
	Direction string   `short:"d" default:"both" help:"Edge direction to follow (downstream|upstream|both)"`
	Depth     int      `default:"3" help:"Maximum hops (1-10)"`
	Type      []string `help:"Node types to return"`
	EdgeType  []string `help:"Edge types to follow"`
	Category  []string `help:"Edge categories to follow (default root,knowledge)"`
}

// Run executes the explore command.
func (c *ExploreCmd) Run(g *Globals) error {
	req := engine.ExploreRequest{StartNodeIDs: c.IDs, Depth: c.Depth}
	var err error
	if req.Direction, err = traversal.ParseDirection(c.Direction); err != nil {
		return err
	}
	if req.NodeTypeFilter, err = parseEach(c.Type, graph.ParseNodeType); err != nil {
		return err
	}
	if req.EdgeTypeFilter, err = parseEach(c.EdgeType, graph.ParseEdgeType); err != nil {
		return err
	}
	if req.EdgeCategoryFilter, err = parseEach(c.Category, graph.ParseEdgeCategory); err != nil {
		return err
	}
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Explore(ctx, &req)
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) { printTraversal(w, res) })
	})
}

// ImpactCmd shows what is connected to nodes.
type ImpactCmd struct {
	IDs   []string `arg:"" help:"Changed node ids"`
	Depth int      `default:"2" help:"Maximum hops (1-10)"`
}

// Run executes the impact command.
func (c *ImpactCmd) Run(g *Globals) error {
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Impact(ctx, &engine.ImpactRequest{NodeIDs: c.IDs, Depth: c.Depth})
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) { printTraversal(w, res) })
	})
}

func printTraversal(w io.Writer, res *traversal.Result) {
	if len(res.Nodes) == 0 {
		fmt.Fprintln(w, "No nodes reached")
		return
	}
	fmt.Fprintf(w, "Reached %d nodes over %d edges:\n\n", len(res.Nodes), len(res.Edges))
	for _, n := range res.Nodes {
		printNode(w, "", n)
	}
	if len(res.Paths) > 0 {
		fmt.Fprintln(w, "\nPaths:")
		for _, p := range res.Paths {
			fmt.Fprintf(w, "  %s\n", strings.Join(p.NodeIDs, " → "))
		}
	}
	if len(res.StaleWarnings) > 0 {
		yellow.Fprintln(w, "\nStale:")
		for _, sw := range res.StaleWarnings {
			yellow.Fprintf(w, "  %s (%s)\n", sw.NodeID, sw.FeaturePath)
		}
	}
}

// CompoundCmd records a knowledge entry.
type CompoundCmd struct {
	Type     string   `help:"Entry type (solution|pattern|pitfall)"`
	Title    string   `help:"Entry title"`
	Content  string   `help:"Entry body"`
	From     string   `type:"existingfile" help:"Read type, title, content, tags and severity from a knowledge document"`
	Tag      []string `help:"Tags"`
	Severity string   `help:"Severity (P1|P2|P3)"`
	Related  []string `help:"Ids of nodes the entry documents"`
	Parent   string   `help:"Branch to hang the entry under"`
}

// Run executes the compound command.
func (c *CompoundCmd) Run(g *Globals) error {
	req := engine.CompoundRequest{
		Type:           graph.NodeType(c.Type),
		Title:          c.Title,
		Content:        c.Content,
		Tags:           c.Tag,
		Severity:       knowledge.Severity(c.Severity),
		RelatedNodeIDs: c.Related,
		ParentBranchID: c.Parent,
	}
	if c.From != "" {
		data, err := os.ReadFile(c.From)
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.From, err)
		}
		doc, err := knowledge.ParseDocument(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", c.From, err)
		}
		fillFromDocument(&req, doc)
	}
	if req.Type != "" {
		t, err := graph.ParseNodeType(string(req.Type))
		if err != nil {
			return err
		}
		req.Type = t
	}

	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Compound(ctx, &req)
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			green.Fprintf(w, "✓ Recorded %s with %d edges\n", res.NodeID, res.EdgesCreated)
			if res.FilePath != nil {
				fmt.Fprintf(w, "  Document: %s\n", *res.FilePath)
			}
		})
	})
}

// fillFromDocument copies document fields that were not given as flags.
func fillFromDocument(req *engine.CompoundRequest, doc *knowledge.Document) {
	if req.Type == "" {
		req.Type = doc.Type
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if req.Content == "" {
		req.Content = doc.Content
	}
	if len(req.Tags) == 0 {
		req.Tags = doc.Tags
	}
	if req.Severity == "" {
		req.Severity = doc.Severity
	}
}

// StaleCmd marks nodes stale.
type StaleCmd struct {
	IDs []string `arg:"" help:"Node ids"`
}

// Run executes the stale command.
func (c *StaleCmd) Run(g *Globals) error {
	return withEngine(g, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.MarkStale(ctx, &engine.StaleRequest{NodeIDs: c.IDs})
		if err != nil {
			return err
		}
		return g.print(res, func(w io.Writer) {
			yellow.Fprintf(w, "Marked %d nodes stale\n", res.Marked)
		})
	})
}
