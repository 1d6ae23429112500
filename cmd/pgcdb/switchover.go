package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/orchestrator"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

var switchoverTimeout time.Duration

var switchoverCmd = &cobra.Command{
	Use:   "switchover",
	Short: "Wait for the destination to catch up, ready for a zero-downtime cutover",
	Long: `Switchover reads the source's current WAL position and blocks until the
destination's replay position (tracked in the sentinel record left by a
running "pgcdb follow") reaches it, confirming it is safe to redirect
traffic to the destination.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}

		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}

		orch := orchestrator.New(&cfg, paths, logger)
		defer orch.Close()

		return orch.RunSwitchover(cmd.Context(), switchoverTimeout)
	},
}

func init() {
	switchoverCmd.Flags().DurationVar(&switchoverTimeout, "timeout", 30*time.Second, "Maximum time to wait for the destination to catch up")
	rootCmd.AddCommand(switchoverCmd)
}
