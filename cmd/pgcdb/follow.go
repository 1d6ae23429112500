package main

import (
	"context"

	"github.com/jackc/pglogrepl"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/orchestrator"
	"github.com/jfoltran/pgcopydb-go/internal/server"
	"github.com/jfoltran/pgcopydb-go/internal/supervisor"
	"github.com/jfoltran/pgcopydb-go/internal/tui"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

var (
	followStartLSN string
	followAPIPort  int
	followTUI      bool
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream logical changes from an existing replication slot",
	Long: `Follow attaches to a replication slot and sentinel record created by
a previous clone and streams every subsequent insert/update/delete/truncate
to the destination in commit order until stopped or the sentinel's endpos
(set with "pgcdb sentinel set --endpos") is reached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}

		var startLSN pglogrepl.LSN
		if followStartLSN != "" {
			var err error
			startLSN, err = pglogrepl.ParseLSN(followStartLSN)
			if err != nil {
				return badArgsError{err}
			}
		}

		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}

		orch := orchestrator.New(&cfg, paths, logger)
		defer orch.Close()

		persister := metrics.NewStatePersister(orch.Metrics, logger, paths.StateFile())
		persister.Start()
		defer persister.Stop()

		if followAPIPort > 0 {
			srv := server.New(orch.Metrics, logger)
			srv.StartBackground(cmd.Context(), followAPIPort)
		}

		sup := supervisor.New(cmd.Context(), logger)
		sup.Go("follow", func(ctx context.Context) error {
			return orch.RunFollow(ctx, startLSN)
		})

		if followTUI {
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
	followCmd.Flags().StringVar(&followStartLSN, "start-lsn", "", "LSN to start streaming from (defaults to the sentinel's last replay position)")
	followCmd.Flags().IntVar(&followAPIPort, "api-port", 0, "Enable the HTTP status API on this port (0 disables it)")
	followCmd.Flags().BoolVar(&followTUI, "tui", false, "Show the terminal dashboard while streaming")
	rootCmd.AddCommand(followCmd)
}
