package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/pgconn"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// snapshotCmd runs a standalone snapshot holder: it exports a consistent
// transaction snapshot, writes its identifier to the work directory so a
// clone or copy-db later invoked against the same work directory imports
// it instead of exporting its own, and keeps the owning transaction open
// under its own, secondary PID file (so it never contends with a running
// clone's main PID file) until interrupted.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Hold a consistent snapshot open for other processes to import",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, false, "snapshot")
		if err != nil {
			return err
		}
		if err := workdir.AcquirePIDFile(paths.AuxPIDFile("snapshot")); err != nil {
			return fmt.Errorf("another pgcdb snapshot is already running against this work directory: %w", err)
		}
		defer func() { _ = workdir.ReleasePIDFile(paths.AuxPIDFile("snapshot")) }()

		mgr := pgconn.NewManager(cfg.Source.DSN(), logger)

		snap, err := mgr.PrepareSnapshot(cmd.Context(), true, "")
		if err != nil {
			return err
		}
		if err := os.WriteFile(paths.SnapshotFile(), []byte(snap.Identifier), 0o644); err != nil {
			return fmt.Errorf("write snapshot file: %w", err)
		}
		logger.Info().Str("snapshot", snap.Identifier).Str("file", paths.SnapshotFile()).
			Msg("snapshot exported, holding open until interrupted")

		<-cmd.Context().Done()

		// cmd.Context() is already cancelled at this point; CloseSnapshot's
		// COMMIT still needs a live context.
		return mgr.CloseSnapshot(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
