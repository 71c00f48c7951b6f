package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/monitoring"
	"github.com/sells-group/leadops/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the enrichment run ledger",
	Long:  "Commands for listing, viewing, and summarizing recorded enrichment runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrichment runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		fingerprint, _ := cmd.Flags().GetString("fingerprint")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:      model.RunStatus(status),
			Source:      source,
			Fingerprint: fingerprint,
			Search:      search,
			Limit:       limit,
		}
		if qualified := cmd.Flags().Changed("qualified"); qualified {
			v, _ := cmd.Flags().GetBool("qualified")
			filter.Qualified = &v
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if run == nil {
			return eris.Errorf("run %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate ledger statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		snap, err := monitoring.NewCollector(st).Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (success, failed)")
	runsListCmd.Flags().String("source", "", "filter by source label")
	runsListCmd.Flags().String("fingerprint", "", "filter by fingerprint")
	runsListCmd.Flags().String("search", "", "partial match on run ID, source, or error")
	runsListCmd.Flags().Bool("qualified", false, "filter by qualification outcome")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFINGERPRINT\tSOURCE\tSTATUS\tQUALIFIED\tSCORE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----------\t------\t------\t---------\t-----\t-------")

	for _, r := range runs {
		qualified, score := "-", "-"
		if r.Result != nil {
			qualified = fmt.Sprintf("%t", r.Result.Qualified)
			score = fmt.Sprintf("%d", r.Result.Score)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(r.ID, 8),
			truncate(r.Fingerprint, 12),
			r.Source,
			r.Status,
			qualified,
			score,
			r.CreatedAt.Local().Format(time.DateTime),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes a stats summary to w.
func formatRunStats(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", snap.TotalRuns)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", snap.SuccessRuns)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", snap.FailedRuns)
	_, _ = fmt.Fprintf(w, "Qualified:\t%d\n", snap.QualifiedRuns)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.FailureRate*100)
	_, _ = fmt.Fprintf(w, "Qualified rate:\t%.1f%%\n", snap.QualifiedRate*100)
	_, _ = fmt.Fprintf(w, "Average score:\t%.1f\n", snap.AvgScore)
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
