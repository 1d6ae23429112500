package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clone/CDC progress and replication lag",
	Long:  `Status reads the current phase, LSN position, and replication lag from the running (or last) pgcdb process's state file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "clone")
		if err != nil {
			paths, err = workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
			if err != nil {
				fmt.Println("No run directory found. Is a clone or follow running?")
				return nil
			}
		}

		snap, err := metrics.ReadStateFile(paths.StateFile())
		if err != nil {
			fmt.Println("No state file found. Is a clone or follow running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		age := time.Since(snap.Timestamp)
		stale := ""
		if age > 10*time.Second {
			stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
		}

		fmt.Printf("Phase:       %s%s\n", snap.Phase, stale)
		fmt.Printf("Elapsed:     %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Write LSN:   %s\n", snap.WriteLSN)
		fmt.Printf("Flush LSN:   %s\n", snap.FlushLSN)
		fmt.Printf("Replay LSN:  %s\n", snap.ReplayLSN)
		fmt.Printf("Apply:       %v\n", snap.ApplyEnabled)
		fmt.Printf("Lag:         %s\n", snap.LagFormatted)
		fmt.Printf("Tables:      %d/%d copied\n", snap.TablesCopied, snap.TablesTotal)
		fmt.Printf("Throughput:  %.0f rows/s, %.0f bytes/s\n", snap.RowsPerSec, snap.BytesPerSec)
		fmt.Printf("Total:       %d rows, %d bytes\n", snap.TotalRows, snap.TotalBytes)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:      %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.Tables) > 0 {
			fmt.Println("\nTables:")
			for _, t := range snap.Tables {
				fmt.Printf("  %s.%-30s %-10s %5.1f%%  (%d/%d rows)\n",
					t.Schema, t.Name, t.Status, t.Percent, t.RowsCopied, t.RowsTotal)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
