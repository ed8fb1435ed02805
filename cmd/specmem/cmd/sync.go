package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSyncCmd creates the sync command: report drift, optionally repair it.
func newSyncCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Check for drift between the store and the files on disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.checker.Check(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sync score: %.1f/100\n", report.SyncScore)
			fmt.Fprintf(out, "  up to date:        %d\n", report.UpToDate)
			fmt.Fprintf(out, "  missing from store: %d\n", len(report.MissingFromStore))
			fmt.Fprintf(out, "  missing from disk:  %d\n", len(report.MissingFromDisk))
			fmt.Fprintf(out, "  content mismatch:   %d\n", len(report.ContentMismatch))
			if report.Truncated {
				fmt.Fprintln(out, "  (scan truncated at the file cap; score covers the scanned subset)")
			}

			if !repair {
				if report.SyncScore < 100 {
					fmt.Fprintln(out, "Run 'specmem sync --repair' to fix the drift.")
				}
				return nil
			}

			stats, err := a.checker.Resync(ctx, report)
			if err != nil {
				return err
			}
			// Re-check so the status file reflects the repaired state.
			if _, err := a.checker.Check(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Repaired: %d added, %d updated, %d removed, %d failed\n",
				stats.Added, stats.Updated, stats.Removed, stats.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "repair the drift after reporting it")
	return cmd
}
