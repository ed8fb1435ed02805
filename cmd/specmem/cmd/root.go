// Package cmd provides the CLI commands for specmem.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonhardwick-spec/specmem-sub019/pkg/version"
)

// projectFlag is the --project persistent flag; empty means the current
// working directory (or SPECMEM_PROJECT_PATH).
var projectFlag string

// NewRootCmd creates the root command for the specmem CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specmem",
		Short: "Per-project memory MCP server for AI coding assistants",
		Long: `specmem gives AI coding assistants a persistent, per-project memory:
decisions, learnings, and code explanations stored locally in SQLite and
retrievable by meaning, keyword, or association.

Run 'specmem serve' from a project directory to expose the memory tools
over MCP on stdio.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("specmem version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project directory (default: current directory)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
