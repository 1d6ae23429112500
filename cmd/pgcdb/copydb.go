package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/orchestrator"
	"github.com/jfoltran/pgcopydb-go/internal/supervisor"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// copyDBCmd is the one-shot, never-follows sibling of clone: schema plus
// every retained table's data, indexes, constraints and vacuum, with no
// replication slot or CDC streaming set up afterward. Unlike clone --follow
// it always runs to completion and exits; keeping "clone" (optionally
// continuous) and "copy-db" (always one-shot) as distinct verbs means
// scripts can rely on copy-db never leaving a slot behind on the source.
var copyDBCmd = &cobra.Command{
	Use:   "copy-db",
	Short: "Copy schema and data once, without setting up CDC streaming",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}

		paths, err := workdir.Init(cfg.Clone.WorkDir, cfg.Clone.Restart, cfg.Clone.Resume, "clone")
		if err != nil {
			return err
		}
		if err := workdir.AcquirePIDFile(paths.PIDFile()); err != nil {
			return fmt.Errorf("another pgcdb run is already using this work directory: %w", err)
		}
		defer func() { _ = workdir.ReleasePIDFile(paths.PIDFile()) }()

		cmdLogger := logger
		orch := orchestrator.New(&cfg, paths, cmdLogger)
		defer orch.Close()

		if copyDBProgress {
			logWriter := metrics.NewLogWriter(orch.Metrics, logOutput)
			cmdLogger = zerolog.New(logWriter).With().Timestamp().Logger().Level(logger.GetLevel())

			renderer := metrics.NewProgressRenderer(orch.Metrics, os.Stderr)
			renderer.Start()
			defer renderer.Stop()
		}

		persister := metrics.NewStatePersister(orch.Metrics, cmdLogger, paths.StateFile())
		persister.Start()
		defer persister.Stop()

		sup := supervisor.New(cmd.Context(), cmdLogger)
		sup.Go("copy-db", orch.RunClone)
		return sup.Wait()
	},
}

var copyDBProgress bool

func init() {
	copyDBCmd.Flags().BoolVar(&copyDBProgress, "progress", false, "Draw a per-table progress bar on stderr while copying")
	rootCmd.AddCommand(copyDBCmd)
}
