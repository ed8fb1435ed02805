// specmem is a per-project memory MCP server: it stores memories and code
// explanations in a local SQLite database, keeps them searchable by meaning
// and by keyword, and mirrors the project's files through a watch/sync
// pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/jonhardwick-spec/specmem-sub019/cmd/specmem/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
