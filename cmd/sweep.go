package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadops/internal/sweeper"
)

var sweepGrace time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release stale claims once",
	Long:  "Deletes claims older than the grace period that have no successful run, freeing fingerprints orphaned by a crash.",
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

		released, err := sweeper.New(st, 0, sweepGrace).SweepOnce(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Released %d stale claim(s).\n", released)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepGrace, "grace", sweeper.DefaultGrace, "minimum claim age before it is considered stale")
	rootCmd.AddCommand(sweepCmd)
}
