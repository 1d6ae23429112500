package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/orchestrator"
	"github.com/jfoltran/pgcopydb-go/internal/server"
	"github.com/jfoltran/pgcopydb-go/internal/supervisor"
	"github.com/jfoltran/pgcopydb-go/internal/tui"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

var (
	cloneFollow   bool
	cloneAPIPort  int
	cloneTUI      bool
	cloneProgress bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to destination",
	Long: `Clone dumps the source's pre-data schema, establishes a consistent
snapshot, restores the schema on the destination, copies every retained
table's rows in parallel from that snapshot, builds indexes and constraints
concurrently, vacuums each table once its indexes are done, and restores the
post-data schema. With --follow, it then keeps streaming logical changes
from the same snapshot until the process is stopped.

Use --resume (a persistent flag) to continue an interrupted clone: progress
markers already on disk are skipped instead of redone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}

		paths, err := workdir.Init(cfg.Clone.WorkDir, cfg.Clone.Restart, cfg.Clone.Resume, "clone")
		if err != nil {
			return err
		}
		if err := workdir.AcquirePIDFile(paths.PIDFile()); err != nil {
			return fmt.Errorf("another pgcdb clone is already running against this work directory: %w", err)
		}
		defer func() { _ = workdir.ReleasePIDFile(paths.PIDFile()) }()

		cmdLogger := logger
		orch := orchestrator.New(&cfg, paths, cmdLogger)
		defer orch.Close()

		if cloneTUI || cloneProgress || cloneAPIPort > 0 {
			logWriter := metrics.NewLogWriter(orch.Metrics, logOutput)
			cmdLogger = zerolog.New(logWriter).With().Timestamp().Logger().Level(logger.GetLevel())
		}

		persister := metrics.NewStatePersister(orch.Metrics, cmdLogger, paths.StateFile())
		persister.Start()
		defer persister.Stop()

		if cloneAPIPort > 0 {
			srv := server.New(orch.Metrics, cmdLogger)
			srv.StartBackground(cmd.Context(), cloneAPIPort)
		}

		if cloneProgress && !cloneTUI {
			renderer := metrics.NewProgressRenderer(orch.Metrics, os.Stderr)
			renderer.Start()
			defer renderer.Stop()
		}

		sup := supervisor.New(cmd.Context(), cmdLogger)
		runClone := orch.RunClone
		if cloneFollow {
			runClone = orch.RunCloneAndFollow
		}
		if cfg.Clone.Resume && cloneFollow {
			runClone = orch.RunResumeCloneAndFollow
		}
		sup.Go("clone", runClone)

		if cloneTUI {
			errCh := make(chan error, 1)
			go func() { errCh <- sup.Wait() }()
			if err := tui.Run(orch.Metrics); err != nil {
				return err
			}
			return normalQuit(<-errCh)
		}

		return normalQuit(sup.Wait())
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Continue with CDC streaming after the initial copy")
	cloneCmd.Flags().IntVar(&cloneAPIPort, "api-port", 0, "Enable the HTTP status API on this port (0 disables it)")
	cloneCmd.Flags().BoolVar(&cloneTUI, "tui", false, "Show the terminal dashboard while cloning")
	cloneCmd.Flags().BoolVar(&cloneProgress, "progress", false, "Draw a per-table progress bar on stderr while copying")
	rootCmd.AddCommand(cloneCmd)
}
