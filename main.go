// Arbor keeps a feature tree of a codebase, with the code it maps and the
// knowledge recorded about it, and serves it to AI agents over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/arbor-go/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
