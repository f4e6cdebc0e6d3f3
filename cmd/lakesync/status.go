package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync progress per table",
	Long:  `Status reports the last persisted snapshot: per-table state, row counts and change lag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := metrics.ReadStateFile()
		if err != nil {
			fmt.Println("No sync state found. Is a synchronizer running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		age := time.Since(snap.Timestamp)
		stale := ""
		if age > 10*time.Second {
			stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
		}

		fmt.Printf("Updated:      %s%s\n", snap.Timestamp.Format(time.RFC3339), stale)
		fmt.Printf("Elapsed:      %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Cycles:       %d\n", snap.CyclesRun)
		fmt.Printf("Tables:       %d synced, %d failed\n", snap.TablesSynced, snap.TablesFailed)
		fmt.Printf("Throughput:   %.0f rows/s\n", snap.RowsPerSec)
		fmt.Printf("Total:        %d rows written, %d skipped\n", snap.TotalRows, snap.TotalSkips)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:       %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.Tables) > 0 {
			fmt.Println("\nTables:")
			for _, t := range snap.Tables {
				lag := ""
				if t.ChangeLag > 0 {
					lag = fmt.Sprintf("  lag=%d", t.ChangeLag)
				}
				fmt.Printf("  %-10s %s.%-30s %-18s %d rows%s\n",
					t.Engine, t.Schema, t.Name, t.Status, t.RowsWritten, lag)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
