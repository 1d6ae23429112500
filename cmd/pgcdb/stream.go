package main

import (
	"fmt"
	"os"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/cdc"
	"github.com/jfoltran/pgcopydb-go/internal/cdc/plugin"
	"github.com/jfoltran/pgcopydb-go/internal/pgconn"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// streamCmd groups the three CDC stages as independently runnable commands,
// the low-level complement to "clone --follow"/"follow", which drive the
// same stages together through the orchestrator.
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run one stage of the logical-decoding pipeline in isolation",
}

var streamReceiveStartLSN string

var streamReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive WAL from the replication slot and write JSON envelope segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}
		store, err := catalog.Open(paths.CatalogDB())
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer store.Close()

		src, err := pgconn.OpenPool(cmd.Context(), cfg.Source.DSN(), "source", logger)
		if err != nil {
			return err
		}
		defer src.Close()

		dec, err := plugin.New(cfg.Replication.OutputPlugin)
		if err != nil {
			return badArgsError{err}
		}
		sentStore := cdc.NewSentinelStore(src, paths.CDCLSNJSON())

		var startLSN pglogrepl.LSN
		if streamReceiveStartLSN != "" {
			startLSN, err = pglogrepl.ParseLSN(streamReceiveStartLSN)
			if err != nil {
				return badArgsError{err}
			}
		} else if rec, err := sentStore.Get(cmd.Context()); err == nil {
			startLSN, _ = pglogrepl.ParseLSN(rec.ReplayLSN)
		}

		recv := cdc.NewReceiver(cfg.Source.ReplicationDSN(), paths, cdc.ReceiveConfig{
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			Plugin:      cfg.Replication.OutputPlugin,
			Timeline:    1,
		}, dec, pkeyLookup(cmd, store), sentStore, logger)

		return recv.Run(cmd.Context(), startLSN)
	},
}

var (
	streamTransformIn  string
	streamTransformOut string
)

var streamTransformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Render one JSON envelope segment to transformed SQL text",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return configError{err}
		}
		if streamTransformIn == "" || streamTransformOut == "" {
			return badArgsError{fmt.Errorf("--in and --out are required")}
		}
		paths, err := workdir.Init(cfg.Clone.WorkDir, false, true, "follow")
		if err != nil {
			return err
		}
		store, err := catalog.Open(paths.CatalogDB())
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer store.Close()

		dec, err := plugin.New(cfg.Replication.OutputPlugin)
		if err != nil {
			return badArgsError{err}
		}

		in, err := os.Open(streamTransformIn)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(streamTransformOut)
		if err != nil {
			return err
		}
		defer out.Close()

		t := cdc.NewTransformer(dec, pkeyLookup(cmd, store))
		n, err := t.TransformFile(in, out)
		if err != nil {
			return err
		}
		logger.Info().Int("lines", n).Str("out", streamTransformOut).Msg("transform complete")
		return nil
	},
}

var streamApplyEndpos string

var streamApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply transformed SQL segments to the destination in commit order",
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
		sentStore := cdc.NewSentinelStore(src, paths.CDCLSNJSON())

		rec, err := sentStore.Get(cmd.Context())
		if err != nil {
			return fmt.Errorf("read sentinel: %w", err)
		}

		dst, err := pgx.Connect(cmd.Context(), cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("dest connection: %w", err)
		}
		defer dst.Close(cmd.Context())

		origin := cfg.Replication.OriginID
		if origin == "" {
			origin = "pgcdb_" + cfg.Replication.SlotName
		}
		applier := cdc.NewApplier(dst, paths, sentStore, origin, 1, logger, nil)
		defer applier.Close()

		endpos := streamApplyEndpos
		if endpos == "" {
			endpos = rec.EndLSN
		}
		return normalQuit(applier.Run(cmd.Context(), rec.ReplayLSN, endpos))
	},
}

// pkeyLookup returns a plugin.PKeyLookup backed by the catalog store opened
// for this invocation.
func pkeyLookup(cmd *cobra.Command, store *catalog.Store) plugin.PKeyLookup {
	return func(schema, table string) (map[string]bool, error) {
		t, ok, err := store.LookupTableByName(cmd.Context(), schema, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("pkey lookup: unknown table %s.%s", schema, table)
		}
		attrs, err := store.PKeyAttrs(cmd.Context(), t.OID)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(attrs))
		for _, a := range attrs {
			out[a.Name] = true
		}
		return out, nil
	}
}

func init() {
	streamReceiveCmd.Flags().StringVar(&streamReceiveStartLSN, "start-lsn", "", "LSN to start receiving from (defaults to the sentinel's replay position)")
	streamTransformCmd.Flags().StringVar(&streamTransformIn, "in", "", "Input JSON envelope segment file")
	streamTransformCmd.Flags().StringVar(&streamTransformOut, "out", "", "Output transformed SQL file")
	streamApplyCmd.Flags().StringVar(&streamApplyEndpos, "endpos", "", "LSN to stop applying at (defaults to the sentinel's endpos, if set)")

	streamCmd.AddCommand(streamReceiveCmd, streamTransformCmd, streamApplyCmd)
	rootCmd.AddCommand(streamCmd)
}
