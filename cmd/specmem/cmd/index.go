package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newIndexCmd creates the index command: bring the store up to date with
// the files on disk.
func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the project's files into the memory store",
		Long: `Scans the project, indexes files missing from the store, refreshes stale
entries, and drops entries for deleted files. Indexing is the same repair
pass the force_resync tool runs, so it is always safe to re-run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{warmANN: true})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.checker.Check(ctx)
			if err != nil {
				return err
			}
			stats, err := a.checker.Resync(ctx, report)
			if err != nil {
				return err
			}
			// Re-check so the status file reflects the repaired state.
			if _, err := a.checker.Check(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %s\n", a.cfg.ProjectPath)
			fmt.Fprintf(out, "  added:   %d\n", stats.Added)
			fmt.Fprintf(out, "  updated: %d\n", stats.Updated)
			fmt.Fprintf(out, "  removed: %d\n", stats.Removed)
			if stats.Failed > 0 {
				fmt.Fprintf(out, "  failed:  %d (see log for details)\n", stats.Failed)
			}
			return nil
		},
	}
	return cmd
}
