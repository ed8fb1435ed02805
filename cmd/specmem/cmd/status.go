package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	"github.com/jonhardwick-spec/specmem-sub019/internal/syncer"
)

// newStatusCmd creates the status command. It reads only the status file,
// so it works while a server holds the store lock.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync health of the project's memory store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(projectFlag)
			if err != nil {
				return err
			}

			staleAfter := 2 * time.Duration(cfg.Sync.CheckIntervalMs) * time.Millisecond
			h, err := syncer.ReadHealth(cfg.StatusFilePath(), staleAfter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project: %s\n", cfg.ProjectPath)
			fmt.Fprintf(out, "Status:  %s\n", h.Status)
			if h.Status == "unknown" {
				fmt.Fprintln(out, "No sync check has run yet. Run 'specmem sync' or 'specmem index'.")
				return nil
			}
			fmt.Fprintf(out, "Score:   %.1f/100\n", h.SyncScore)
			fmt.Fprintf(out, "Checked: %s\n", h.LastChecked.Local().Format(time.RFC1123))
			return nil
		},
	}
	return cmd
}
