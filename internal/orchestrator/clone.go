// Package orchestrator sequences a clone run end to end and hands off into
// the CDC pipeline for --follow/resume. Phases run in a fixed order, each
// gated by a done marker: roles, pre-data dump, catalog fetch + schema.json
// snapshot, pre-data restore, concurrent table-data/index/vacuum, snapshot
// close, post-data restore, and the follow-mode sentinel flip. The
// orchestrator owns every connection and on-disk resource it opens and
// releases them in one Close().
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	pgxconn "github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/cdc"
	"github.com/jfoltran/pgcopydb-go/internal/cdc/plugin"
	"github.com/jfoltran/pgcopydb-go/internal/config"
	"github.com/jfoltran/pgcopydb-go/internal/indexpool"
	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/pgconn"
	"github.com/jfoltran/pgcopydb-go/internal/queue"
	"github.com/jfoltran/pgcopydb-go/internal/schemapipeline"
	"github.com/jfoltran/pgcopydb-go/internal/tablecopy"
	"github.com/jfoltran/pgcopydb-go/internal/vacuumpool"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// Orchestrator owns every connection, pool and on-disk resource of one run
// and sequences them through the clone phases, optionally continuing into
// CDC streaming. One Orchestrator serves one work directory.
type Orchestrator struct {
	cfg    *config.Config
	paths  *workdir.Paths
	run    workdir.KeyRunStore
	logger zerolog.Logger

	Metrics *metrics.Collector
	hs      *handshake

	registry *workdir.ResourceRegistry
	store    *catalog.Store
	src      *pgxpool.Pool
	dst      *pgxpool.Pool
	snapMgr  *pgconn.Manager

	// slotConn is the replication connection that created the slot. It must
	// stay open until every worker has imported the slot's exported
	// snapshot; closing it earlier invalidates the snapshot.
	slotConn *pgxconn.PgConn
}

// New creates an Orchestrator against an already-initialized work
// directory. It does not open any connection; that happens lazily in
// RunClone/RunFollow so a standalone "status"/"sentinel" command can create
// one cheaply.
func New(cfg *config.Config, paths *workdir.Paths, logger zerolog.Logger) *Orchestrator {
	logger = logger.With().Str("component", "orchestrator").Logger()
	return &Orchestrator{
		cfg:      cfg,
		paths:    paths,
		run:      workdir.NewFSRunStore(paths),
		logger:   logger,
		Metrics:  metrics.NewCollector(logger),
		hs:       newHandshake(logger),
		registry: workdir.NewResourceRegistry(logger),
	}
}

// Close releases every connection and store the orchestrator opened, in
// reverse acquisition order.
func (o *Orchestrator) Close() {
	o.registry.Close()
}

func (o *Orchestrator) openCatalog() error {
	if o.store != nil {
		return nil
	}
	store, err := catalog.Open(o.paths.CatalogDB())
	if err != nil {
		return err
	}
	o.store = store
	o.registry.Register(storeResource{store})
	return nil
}

type storeResource struct{ store *catalog.Store }

func (r storeResource) Name() string   { return "catalog-store" }
func (r storeResource) Release() error { return r.store.Close() }

func (o *Orchestrator) openPools(ctx context.Context) error {
	if o.src != nil {
		return nil
	}
	src, err := pgconn.OpenPool(ctx, o.cfg.Source.DSN(), "source", o.logger)
	if err != nil {
		return err
	}
	o.registry.Register(poolResource{"source-pool", src})

	dst, err := pgconn.OpenPool(ctx, o.cfg.Dest.DSN(), "destination", o.logger)
	if err != nil {
		return err
	}
	o.registry.Register(poolResource{"destination-pool", dst})

	o.src = src
	o.dst = dst
	return nil
}

type poolResource struct {
	name string
	pool interface{ Close() }
}

func (r poolResource) Name() string   { return r.name }
func (r poolResource) Release() error { r.pool.Close(); return nil }

// RunClone executes the base clone: schema, table data, indexes, vacuum.
// It does not start CDC streaming.
func (o *Orchestrator) RunClone(ctx context.Context) error {
	return o.runClone(ctx, false)
}

// RunCloneAndFollow runs the base clone and then streams CDC until ctx is
// cancelled.
func (o *Orchestrator) RunCloneAndFollow(ctx context.Context) error {
	return o.runClone(ctx, true)
}

// RunResumeCloneAndFollow resumes an interrupted clone (done markers in the
// work directory short-circuit completed phases) and then streams CDC.
func (o *Orchestrator) RunResumeCloneAndFollow(ctx context.Context) error {
	return o.runClone(ctx, true)
}

func (o *Orchestrator) runClone(ctx context.Context, follow bool) error {
	o.Metrics.SetPhase("starting")
	if err := o.openPools(ctx); err != nil {
		return err
	}
	if err := o.openCatalog(); err != nil {
		return err
	}

	o.snapMgr = pgconn.NewManager(o.cfg.Source.DSN(), o.logger)

	sp := schemapipeline.NewPipeline(o.cfg.Source.DSN(), o.cfg.Dest.DSN(), o.dst, o.store, o.run, o.paths, schemapipeline.Config{
		DropIfExists:   o.cfg.Clone.DropIfExists,
		SkipExtensions: o.cfg.Clone.SkipExtensions,
	}, o.logger)

	if o.cfg.Clone.Roles {
		o.Metrics.SetPhase("roles")
		if err := o.copyRoles(ctx); err != nil {
			return fmt.Errorf("orchestrator: copy roles: %w", err)
		}
	}

	// In follow mode the slot must exist before any source data is read:
	// its creation LSN is where streaming starts, and its exported snapshot
	// is the consistent point the schema dump and the copy workers share,
	// so nothing committed between the copy and the first streamed
	// transaction can be missed or double-applied.
	var slotLSN pglogrepl.LSN
	if follow {
		o.Metrics.SetPhase("slot")
		lsn, err := o.createReplicationSlotIfNeeded(ctx)
		if err != nil {
			return err
		}
		slotLSN = lsn
	}

	o.Metrics.SetPhase("snapshot")
	snap, err := o.snapMgr.CopySnapshot()
	if err != nil {
		// A standalone "pgcdb snapshot" holder may have left an exported
		// identifier in the work directory; importing it beats exporting a
		// fresh one, since the operator is deliberately pinning every
		// participant to one point in time.
		external := ""
		if data, rerr := os.ReadFile(o.paths.SnapshotFile()); rerr == nil {
			external = strings.TrimSpace(string(data))
		}
		snap, err = o.snapMgr.PrepareSnapshot(ctx, true, external)
		if err != nil {
			return fmt.Errorf("orchestrator: prepare snapshot: %w", err)
		}
	}
	o.logger.Info().Str("snapshot", snap.Identifier).Msg("clone snapshot established")

	o.Metrics.SetPhase("pre-data-dump")
	if err := sp.DumpSourceSchema(ctx, "pre-data", snap.Identifier); err != nil {
		return fmt.Errorf("orchestrator: dump pre-data schema: %w", err)
	}
	if err := sp.DumpSourceSchema(ctx, "post-data", snap.Identifier); err != nil {
		return fmt.Errorf("orchestrator: dump post-data schema: %w", err)
	}

	o.Metrics.SetPhase("catalog-fetch")
	if !o.run.IsDoneKey("catalog-fetch") {
		if err := o.store.FetchSchema(ctx, o.src, catalog.FetchOptions{
			SplitTablesLargerThan: o.cfg.Clone.SplitTablesLargerThan,
		}); err != nil {
			return fmt.Errorf("orchestrator: fetch catalog: %w", err)
		}
		if err := o.store.PrepareSchemaJSON(ctx, o.paths.SchemaJSON()); err != nil {
			return fmt.Errorf("orchestrator: write schema.json: %w", err)
		}
		if err := o.run.MarkDoneKey("catalog-fetch"); err != nil {
			return err
		}
	}

	if _, err := sp.WriteRestoreList(ctx, "pre-data"); err != nil {
		return fmt.Errorf("orchestrator: filter pre-data restore list: %w", err)
	}
	if _, err := sp.WriteRestoreList(ctx, "post-data"); err != nil {
		return fmt.Errorf("orchestrator: filter post-data restore list: %w", err)
	}

	o.Metrics.SetPhase("pre-data-restore")
	if err := sp.TargetPrepareSchema(ctx); err != nil {
		return fmt.Errorf("orchestrator: restore pre-data schema: %w", err)
	}

	if err := o.runTableDataPhase(ctx); err != nil {
		return err
	}

	o.Metrics.SetPhase("snapshot-close")
	if err := o.snapMgr.CloseSnapshot(ctx); err != nil {
		return fmt.Errorf("orchestrator: close snapshot: %w", err)
	}
	if o.slotConn != nil {
		_ = o.slotConn.Close(ctx)
		o.slotConn = nil
	}

	o.Metrics.SetPhase("post-data-restore")
	if err := sp.TargetFinalizeSchema(ctx); err != nil {
		return fmt.Errorf("orchestrator: restore post-data schema: %w", err)
	}

	o.Metrics.SetPhase("clone-complete")
	o.logger.Info().Msg("clone complete")

	if !follow {
		return nil
	}
	return o.followAfterClone(ctx, slotLSN)
}

// runTableDataPhase wires the table scheduler to the index and vacuum
// pools via two in-process queues, and runs all three concurrently until
// the queues drain.
func (o *Orchestrator) runTableDataPhase(ctx context.Context) error {
	o.Metrics.SetPhase("table-data")

	indexQueue := queue.NewChannel[uint32](1024)
	vacuumQueue := queue.NewChannel[uint32](1024)

	sched := tablecopy.NewScheduler(o.src, o.dst, o.store, o.paths, o.run, o.Metrics, tablecopy.Config{
		TableJobs: o.cfg.Clone.TableJobs,
		FailFast:  o.cfg.Clone.FailFast,
		NoVacuum:  o.cfg.Clone.NoVacuum,
	}, o.logger)
	sched.SnapshotMgr = o.snapMgr
	sched.IndexQueue = indexQueue
	sched.VacuumQueue = vacuumQueue

	idxPool := indexpool.NewPool(o.dst, o.store, o.run, o.Metrics, indexQueue, indexpool.Config{
		IndexJobs:   o.cfg.Clone.IndexJobs,
		FailFast:    o.cfg.Clone.FailFast,
		IfNotExists: o.cfg.Clone.Resume,
		NoVacuum:    o.cfg.Clone.NoVacuum,
	}, o.logger)
	idxPool.VacuumQueue = vacuumQueue

	vacPool := vacuumpool.NewPool(o.dst, o.store, o.run, o.Metrics, vacuumQueue, vacuumpool.Config{
		VacuumJobs: o.cfg.Clone.VacuumJobs,
		FailFast:   o.cfg.Clone.FailFast,
	}, o.logger)

	errCh := make(chan error, 3)

	go func() {
		errCh <- sched.CopyAllTableData(ctx)
		idxPool.SendStop()
	}()
	go func() {
		err := idxPool.StartIndexWorkers(ctx)
		if !o.cfg.Clone.NoVacuum {
			vacPool.SendStop()
		}
		errCh <- err
	}()
	if o.cfg.Clone.NoVacuum {
		errCh <- nil
	} else {
		go func() {
			errCh <- vacPool.StartVacuumWorkers(ctx)
		}()
	}

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// copyRoles dumps and restores global objects (roles, tablespaces) via
// pg_dumpall --globals-only, the one piece of a clone pg_dump/pg_restore's
// per-database archives cannot carry.
func (o *Orchestrator) copyRoles(ctx context.Context) error {
	if o.run.IsDoneKey("roles") {
		return nil
	}
	rolesFile := o.paths.RolesDumpFile()

	dump := exec.CommandContext(ctx, "pg_dumpall", "--globals-only", "--file="+rolesFile, "--dbname="+o.cfg.Source.DSN())
	if out, err := dump.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_dumpall --globals-only: %s: %w", string(out), err)
	}

	restore := exec.CommandContext(ctx, "psql", "--file="+rolesFile, "--dbname="+o.cfg.Dest.DSN(), "--quiet")
	if out, err := restore.CombinedOutput(); err != nil {
		o.logger.Warn().Str("output", string(out)).Msg("role restore reported errors (roles may already exist on target)")
	}

	return o.run.MarkDoneKey("roles")
}

// followAfterClone sets up the sentinel and replication origin for a
// just-completed clone and streams CDC until ctx is cancelled. slotLSN is
// the slot's creation (or resume) LSN captured before the table copy ran.
func (o *Orchestrator) followAfterClone(ctx context.Context, slotLSN pglogrepl.LSN) error {
	sentStore := cdc.NewSentinelStore(o.src, o.paths.CDCLSNJSON())
	if err := sentStore.Init(ctx, slotLSN.String()); err != nil {
		return fmt.Errorf("orchestrator: init sentinel: %w", err)
	}

	id := o.hs.Initiate()
	go func() {
		if err := o.hs.Wait(ctx, id, 30*time.Second); err != nil {
			o.logger.Warn().Err(err).Msg("apply did not acknowledge enable within timeout")
			return
		}
		o.logger.Info().Msg("destination is now applying changes")
	}()

	if err := sentStore.EnableApply(ctx); err != nil {
		return fmt.Errorf("orchestrator: enable apply: %w", err)
	}

	return o.runCDC(ctx, sentStore, slotLSN, func() { o.hs.Confirm(id) })
}

// RunFollow starts CDC streaming against an already-existing replication
// slot and sentinel record (from a prior clone), resuming from startLSN (or
// the sentinel's last replay position when startLSN is zero).
func (o *Orchestrator) RunFollow(ctx context.Context, startLSN pglogrepl.LSN) error {
	if err := o.openPools(ctx); err != nil {
		return err
	}
	// The catalog from the original clone backs the pkey lookups the
	// transform stage needs for UPDATE envelopes without explicit old/new
	// sections.
	if err := o.openCatalog(); err != nil {
		return err
	}

	sentStore := cdc.NewSentinelStore(o.src, o.paths.CDCLSNJSON())
	resumeLSN := startLSN
	if resumeLSN == 0 {
		rec, err := sentStore.Get(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: read sentinel for resume: %w", err)
		}
		resumeLSN, err = pglogrepl.ParseLSN(rec.ReplayLSN)
		if err != nil {
			return fmt.Errorf("orchestrator: parse sentinel replay_lsn %q: %w", rec.ReplayLSN, err)
		}
	}

	return o.runCDC(ctx, sentStore, resumeLSN, nil)
}

// runCDC streams CDC until ctx is cancelled. onApplyEnabled, if non-nil, is
// invoked exactly once by the apply stage the first time it observes the
// sentinel's apply flag set, letting followAfterClone confirm the just-sent
// EnableApply was actually picked up.
func (o *Orchestrator) runCDC(ctx context.Context, sentStore *cdc.SentinelStore, startLSN pglogrepl.LSN, onApplyEnabled func()) error {
	o.Metrics.SetPhase("cdc")

	dec, err := plugin.New(o.cfg.Replication.OutputPlugin)
	if err != nil {
		return err
	}

	pkeys := func(schema, table string) (map[string]bool, error) {
		t, ok, err := o.store.LookupTableByName(ctx, schema, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("orchestrator: pkey lookup: unknown table %s.%s", schema, table)
		}
		attrs, err := o.store.PKeyAttrs(ctx, t.OID)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(attrs))
		for _, a := range attrs {
			out[a.Name] = true
		}
		return out, nil
	}

	recv := cdc.NewReceiver(o.cfg.Source.ReplicationDSN(), o.paths, cdc.ReceiveConfig{
		SlotName:    o.cfg.Replication.SlotName,
		Publication: o.cfg.Replication.Publication,
		Plugin:      o.cfg.Replication.OutputPlugin,
		Timeline:    1,
	}, dec, pkeys, sentStore, o.logger)

	applyConn, err := pgx.Connect(ctx, o.cfg.Dest.DSN())
	if err != nil {
		return fmt.Errorf("orchestrator: open apply connection: %w", err)
	}
	o.registry.Register(connResource{applyConn})

	origin := o.cfg.Replication.OriginID
	if origin == "" {
		origin = "pgcdb_" + o.cfg.Replication.SlotName
	}
	applier := cdc.NewApplier(applyConn, o.paths, sentStore, origin, 1, o.logger, func(stats cdc.ApplyStats) {
		o.Metrics.RecordApplied(stats.RowsApplied, stats.Applied)
	})
	if onApplyEnabled != nil {
		applier.OnApplyEnabled(onApplyEnabled)
	}

	endpos := ""
	if rec, err := sentStore.Get(ctx); err == nil {
		endpos = rec.EndLSN
	}

	if o.store != nil {
		_ = o.store.IterTables(ctx, func(t catalog.SourceTable) error {
			o.Metrics.TableStreaming(t.Schema, t.Name)
			return nil
		})
	}

	// Any stage exiting unwinds the others: a receiver error must stop
	// transform and apply, and apply reaching endpos must stop the rest.
	cdcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Mirror the sentinel's cursors into the metrics snapshot so status,
	// the TUI and the websocket feed all see live lag while streaming.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cdcCtx.Done():
				return
			case <-ticker.C:
				rec, err := sentStore.Cached()
				if err != nil {
					continue
				}
				w, _ := pglogrepl.ParseLSN(rec.WriteLSN)
				f, _ := pglogrepl.ParseLSN(rec.FlushLSN)
				rp, _ := pglogrepl.ParseLSN(rec.ReplayLSN)
				o.Metrics.RecordSentinel(w, f, rp, rec.ApplyEnabled)
				o.Metrics.RecordLatestLSN(w)
			}
		}
	}()

	trans := cdc.NewTransformer(dec, pkeys)

	errCh := make(chan error, 3)
	go func() {
		err := recv.Run(cdcCtx, startLSN)
		cancel()
		errCh <- err
	}()
	go func() {
		err := trans.FollowSegments(cdcCtx, o.paths, 1, startLSN)
		cancel()
		errCh <- err
	}()
	go func() {
		err := applier.Run(cdcCtx, startLSN.String(), endpos)
		cancel()
		errCh <- err
	}()

	var firstErr error
	endposReached := false
	for i := 0; i < 3; i++ {
		err := <-errCh
		switch {
		case errors.Is(err, cdc.ErrEndposReached):
			endposReached = true
		case errors.Is(err, context.Canceled):
			// The other stage's exit (or a shutdown signal) unwound this
			// one mid-operation; not a failure of its own.
		case err != nil && firstErr == nil:
			firstErr = err
		}
	}

	// Streaming has stopped, cleanly or not. Sequence advances never travel
	// through logical decoding, so sync them now, even when ctx was
	// cancelled by a shutdown signal.
	if err := o.ResetSequences(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn().Err(err).Msg("sequence re-sync failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil && endposReached {
		return cdc.ErrEndposReached
	}
	return firstErr
}

type connResource struct{ conn *pgx.Conn }

func (r connResource) Name() string   { return "apply-connection" }
func (r connResource) Release() error { return r.conn.Close(context.Background()) }

// createReplicationSlotIfNeeded creates the logical replication slot used
// for both the initial consistent snapshot and CDC streaming, returning its
// reported consistent point. A pre-existing slot (a resumed run) is left
// untouched and its confirmed_flush_lsn is returned instead. When a fresh
// slot exports a snapshot, the creating connection is parked in o.slotConn
// and held open until the snapshot-close phase: the exported snapshot is
// only importable while that connection's transaction lives.
func (o *Orchestrator) createReplicationSlotIfNeeded(ctx context.Context) (pglogrepl.LSN, error) {
	conn, err := pgconn.OpenReplicationConn(ctx, o.cfg.Source.ReplicationDSN())
	if err != nil {
		return 0, err
	}

	if o.cfg.Clone.Resume {
		defer conn.Close(ctx)
		res, err := conn.Exec(ctx, fmt.Sprintf(
			"SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = '%s'", o.cfg.Replication.SlotName,
		)).ReadAll()
		if err != nil || len(res) == 0 || len(res[0].Rows) == 0 {
			return 0, fmt.Errorf("orchestrator: resume requires existing slot %q", o.cfg.Replication.SlotName)
		}
		return pglogrepl.ParseLSN(string(res[0].Rows[0][0]))
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, o.cfg.Replication.SlotName, o.cfg.Replication.OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false, SnapshotAction: "export"})
	if err != nil {
		conn.Close(ctx)
		return 0, fmt.Errorf("orchestrator: create replication slot %q: %w", o.cfg.Replication.SlotName, err)
	}

	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		conn.Close(ctx)
		return 0, fmt.Errorf("orchestrator: parse consistent point %q: %w", result.ConsistentPoint, err)
	}

	adopted := false
	if result.SnapshotName != "" {
		if _, err := o.snapshotFromSlot(ctx, result.SnapshotName); err != nil {
			o.logger.Warn().Err(err).Msg("could not adopt slot-exported snapshot, falling back to an independent snapshot")
		} else {
			adopted = true
		}
	}
	if adopted {
		o.slotConn = conn
	} else {
		conn.Close(ctx)
	}

	return lsn, nil
}

func (o *Orchestrator) snapshotFromSlot(ctx context.Context, snapshotName string) (*pgconn.TransactionSnapshot, error) {
	if o.snapMgr == nil {
		o.snapMgr = pgconn.NewManager(o.cfg.Source.DSN(), o.logger)
	}
	return o.snapMgr.PrepareSnapshot(ctx, true, snapshotName)
}

// RunSwitchover waits for the destination's replay position to catch up to
// the source's current WAL position, the cross-process readiness check a
// zero-downtime cutover needs before redirecting traffic. Unlike the
// in-process handshake followAfterClone uses to confirm its own EnableApply
// call, this polls the sentinel record over the wire, since switchover is
// normally invoked from a separate process than the one running follow.
func (o *Orchestrator) RunSwitchover(ctx context.Context, timeout time.Duration) error {
	if err := o.openPools(ctx); err != nil {
		return err
	}

	var targetLSN string
	if err := o.src.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&targetLSN); err != nil {
		return fmt.Errorf("orchestrator: read current source wal position: %w", err)
	}

	sentStore := cdc.NewSentinelStore(o.src, o.paths.CDCLSNJSON())
	deadline := time.Now().Add(timeout)
	for {
		rec, err := sentStore.Get(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: switchover: %w", err)
		}
		if !rec.ApplyEnabled {
			return fmt.Errorf("orchestrator: switchover: apply is not enabled on the destination")
		}
		if compareLSN(rec.ReplayLSN, targetLSN) >= 0 {
			o.logger.Info().Str("replay_lsn", rec.ReplayLSN).Str("source_lsn", targetLSN).
				Msg("destination has caught up, safe to switch over")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("orchestrator: switchover: destination at %s has not caught up to source %s after %s",
				rec.ReplayLSN, targetLSN, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// compareLSN compares two "X/X"-formatted LSNs, returning -1/0/1.
func compareLSN(a, b string) int {
	al, aerr := pglogrepl.ParseLSN(a)
	bl, berr := pglogrepl.ParseLSN(b)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	switch {
	case al < bl:
		return -1
	case al > bl:
		return 1
	default:
		return 0
	}
}
