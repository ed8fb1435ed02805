package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// newServeCmd creates the serve command: the MCP server over stdio.
func newServeCmd() *cobra.Command {
	var watch bool
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio)",
		Long: `Starts the specmem MCP server. The server speaks JSON-RPC on stdout,
so all logging goes to the project log file. By default the file watcher
starts alongside the server and keeps the store in sync with the project.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// stdout carries JSON-RPC exclusively; keep stderr quiet too so
			// MCP clients don't surface log noise.
			a, err := openApp(ctx, appOptions{quiet: true, warmANN: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				if _, _, err := a.server.StartWatching(ctx, nil, true); err != nil {
					slog.Warn("watch_startup_failed", slog.String("error", err.Error()))
				}
			}
			return a.server.Serve(ctx, transport)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "watch the project for file changes while serving")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport (stdio)")
	return cmd
}
