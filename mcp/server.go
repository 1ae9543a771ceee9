// Package mcp provides the MCP (Model Context Protocol) server for Arbor.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/arbor-go/internal/engine"
	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/knowledge"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/storage"
	"github.com/Benny93/arbor-go/internal/traversal"
)

// Resource URIs.
const (
	StatusURI = "arbor://status"
	SchemaURI = "arbor://schema"
)

// Server exposes an engine over MCP.
type Server struct {
	engine *engine.Engine
	server *mcp.Server
	logger *slog.Logger
}

// NewServer creates a new MCP server with every Arbor tool and resource
// registered.
func NewServer(e *engine.Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: e,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "arbor",
			Version: version,
		}, nil),
		logger: logger,
	}

	s.registerTools()
	s.registerResources()

	return s
}

// Run serves MCP over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server running on stdio")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("serving MCP: %w", err)
	}
	return nil
}

// addTool registers a tool whose arguments decode into In and whose result
// is returned as indented JSON text.
func addTool[In, Out any](s *Server, name, description string, schema *jsonschema.Schema, run func(context.Context, *In) (Out, error)) {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		out, err := run(ctx, &in)
		if err != nil {
			s.logger.Debug("tool failed", "tool", name, "error", err)
			return nil, nil, err
		}
		res, err := jsonResult(out)
		return res, nil, err
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// inputSchema infers the schema of T and applies enums, keyed by a
// dotted property path. Array properties are descended into, so
// "nodes.nodeType" constrains the nodeType of every element of nodes.
func inputSchema[T any](enums map[string][]any) *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("inferring schema for %T: %v", *new(T), err))
	}
	for path, values := range enums {
		target := schema
		for _, name := range strings.Split(path, ".") {
			target = target.Properties[name]
			if target == nil {
				panic(fmt.Sprintf("schema for %T has no property %q", *new(T), path))
			}
			if target.Items != nil {
				target = target.Items
			}
		}
		target.Enum = values
	}
	return schema
}

func enumOf[T ~string](values ...T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func leafTypes() []any {
	var out []any
	for _, t := range graph.NodeTypes {
		if t.IsLeaf() {
			out = append(out, string(t))
		}
	}
	return out
}

func branchTypes() []any {
	var out []any
	for _, t := range graph.NodeTypes {
		if t.IsBranch() {
			out = append(out, string(t))
		}
	}
	return out
}

func knowledgeTypes() []any {
	var out []any
	for _, t := range graph.NodeTypes {
		if t.IsKnowledge() {
			out = append(out, string(t))
		}
	}
	return out
}

// schemaDoc is served at SchemaURI.
type schemaDoc struct {
	NodeTypes      []graph.NodeType      `json:"nodeTypes"`
	EdgeTypes      []graph.EdgeType      `json:"edgeTypes"`
	EdgeCategories []graph.EdgeCategory  `json:"edgeCategories"`
	Directions     []traversal.Direction `json:"directions"`
	SearchModes    []search.Mode         `json:"searchModes"`
	Flags          []storage.Flag        `json:"flags"`
	Severities     []knowledge.Severity  `json:"severities"`
}

func (s *Server) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         StatusURI,
		Name:        "status",
		Description: "Node and edge counts of the graph",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		st, err := s.engine.Status(ctx)
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, st)
	})

	s.server.AddResource(&mcp.Resource{
		URI:         SchemaURI,
		Name:        "schema",
		Description: "Node types, edge types and query vocabularies of the graph",
		MIMEType:    "application/json",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return jsonResource(req.Params.URI, schemaDoc{
			NodeTypes:      graph.NodeTypes,
			EdgeTypes:      graph.EdgeTypes,
			EdgeCategories: graph.EdgeCategories,
			Directions:     traversal.Directions,
			SearchModes:    search.Modes,
			Flags:          []storage.Flag{storage.FlagUnplaced, storage.FlagStale},
			Severities:     knowledge.Severities,
		})
	})
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding resource: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
