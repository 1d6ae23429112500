package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/cdc"
	"github.com/jfoltran/pgcopydb-go/internal/pgconn"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// sentinelCmd groups operational read/write access to the sentinel record
// (startpos, endpos, write/flush/replay cursors, apply flag), which the
// clone and follow paths otherwise manage entirely on their own.
var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Inspect or force the cross-process CDC sentinel record",
}

var sentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current sentinel record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}
		src, err := pgconn.OpenPool(cmd.Context(), cfg.Source.DSN(), "source", logger)
		if err != nil {
			return err
		}
		defer src.Close()

		rec, err := cdc.NewSentinelStore(src, paths.CDCLSNJSON()).Get(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("startpos:   %s\n", rec.StartLSN)
		fmt.Printf("endpos:     %s\n", rec.EndLSN)
		fmt.Printf("write_lsn:  %s\n", rec.WriteLSN)
		fmt.Printf("flush_lsn:  %s\n", rec.FlushLSN)
		fmt.Printf("replay_lsn: %s\n", rec.ReplayLSN)
		fmt.Printf("apply:      %v\n", rec.ApplyEnabled)
		return nil
	},
}

var (
	sentinelSetEndpos      string
	sentinelSetEnableApply bool
)

var sentinelSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Force the sentinel's endpos and/or apply flag",
	Long: `Set lets an operator unblock apply or pin an endpos out of band, for the
cases the clone's automatic flip can't reach: a stuck switchover, or a
planned stop at a known LSN for testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}
		if sentinelSetEndpos == "" && !sentinelSetEnableApply {
			return badArgsError{fmt.Errorf("specify --endpos and/or --enable-apply")}
		}
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}
		src, err := pgconn.OpenPool(cmd.Context(), cfg.Source.DSN(), "source", logger)
		if err != nil {
			return err
		}
		defer src.Close()

		sentStore := cdc.NewSentinelStore(src, paths.CDCLSNJSON())
		if sentinelSetEndpos != "" {
			if err := sentStore.SetEndpos(cmd.Context(), sentinelSetEndpos); err != nil {
				return err
			}
		}
		if sentinelSetEnableApply {
			if err := sentStore.EnableApply(cmd.Context()); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	sentinelSetCmd.Flags().StringVar(&sentinelSetEndpos, "endpos", "", "LSN at which apply should stop")
	sentinelSetCmd.Flags().BoolVar(&sentinelSetEnableApply, "enable-apply", false, "Flip apply on, same as the orchestrator does at the end of a followed clone")

	sentinelCmd.AddCommand(sentinelGetCmd, sentinelSetCmd)
	rootCmd.AddCommand(sentinelCmd)
}
