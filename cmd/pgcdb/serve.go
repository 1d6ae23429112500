package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/server"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a standalone status API server",
	Long: `Serve starts the pgcdb HTTP/WebSocket status API on its own, without
running a clone or follow. It reads the work directory's state file and
seeds only the last-known phase from it; table progress, LSNs and counters
from that file are not loaded, and no further state reaches the server,
since nothing else is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		if paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "clone"); err == nil {
			if snap, err := metrics.ReadStateFile(paths.StateFile()); err == nil {
				collector.SetPhase(snap.Phase)
			}
		}

		srv := server.New(collector, logger)
		return srv.Start(cmd.Context(), servePort)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7654, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}
