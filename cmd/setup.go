package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

// SetupCmd registers the Arbor MCP server with AI clients.
type SetupCmd struct {
	Client []string `short:"c" enum:"claude,cursor,qwen" help:"Clients to configure (claude|cursor|qwen)"`
	Global bool     `help:"Write the user-wide configuration instead of the project one"`
	Print  bool     `help:"Print the server entry instead of writing files"`
}

// Run executes the setup command.
func (c *SetupCmd) Run(g *Globals) error {
	root, err := filepath.Abs(g.Dir)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	entry := serverEntry(root)

	if c.Print || len(c.Client) == 0 {
		out, err := json.MarshalIndent(map[string]any{"mcpServers": map[string]any{"arbor": entry}}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(g.stdout(), string(out))
		return nil
	}

	for _, client := range c.Client {
		path, err := clientConfigPath(root, client, c.Global)
		if err != nil {
			return err
		}
		if err := mergeServerEntry(path, entry); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(g.stdout(), "✓ Configured %s at %s\n", client, path)
	}
	return nil
}

func serverEntry(root string) map[string]any {
	return map[string]any{
		"command": "arbor",
		"args":    []string{"serve", "--dir", root},
	}
}

// clientConfigPath returns <base>/.<client>/mcp.json, where base is the
// project root or the user's home directory.
func clientConfigPath(root, client string, global bool) (string, error) {
	base := root
	if global {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating home directory: %w", err)
		}
		base = home
	}
	return filepath.Join(base, "."+client, "mcp.json"), nil
}

// mergeServerEntry sets mcpServers.arbor in the file at path and leaves
// every other key alone.
func mergeServerEntry(path string, entry map[string]any) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	servers, _ := doc["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	servers["arbor"] = entry
	doc["mcpServers"] = servers

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
