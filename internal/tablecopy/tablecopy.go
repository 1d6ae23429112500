// Package tablecopy is the table-data scheduler: a pool of workers that
// claim table partitions, stream their rows from source to target using
// the bulk-copy protocol (a pgx.CopyFromSource bridging a streamed SELECT
// into CopyFrom, no on-disk intermediate), and hand each table off to the
// index and vacuum pools once it converges.
package tablecopy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/mutex"
	"github.com/jfoltran/pgcopydb-go/internal/pgconn"
	"github.com/jfoltran/pgcopydb-go/internal/queue"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// Config holds the scheduling knobs passed down from config.CloneConfig.
type Config struct {
	TableJobs int
	FailFast  bool
	NoVacuum  bool
}

// Scheduler runs the copy over every retained table in the catalog.
type Scheduler struct {
	src    *pgxpool.Pool
	dst    *pgxpool.Pool
	store  *catalog.Store
	paths  *workdir.Paths
	run    workdir.KeyRunStore
	coll   *metrics.Collector
	logger zerolog.Logger
	cfg    Config

	// IndexQueue receives one index OID per retained index of a table whose
	// last partition has just completed. Owned by the index pool.
	IndexQueue queue.WorkQueue[uint32]
	// VacuumQueue receives a table OID when it has no indexes at all, since
	// in that case nothing will ever drive the index pool's per-table
	// completion check. When a table does have indexes, the index pool
	// enqueues it here once every index and constraint is done.
	VacuumQueue queue.WorkQueue[uint32]
	// SnapshotMgr, when set, is imported into every source transaction
	// before the SELECT, so every worker reads the same consistent point as
	// the catalog fetch. Left nil to opt out of cross-table consistency.
	SnapshotMgr *pgconn.Manager

	truncated   sync.Map // table OID -> struct{}, best-effort in-process fast path
	partsDoneMu sync.Mutex
	partsDone   map[uint32]int

	failedMu sync.Mutex
	firstErr error
}

// NewScheduler creates a table-data scheduler.
func NewScheduler(src, dst *pgxpool.Pool, store *catalog.Store, paths *workdir.Paths, run workdir.KeyRunStore, coll *metrics.Collector, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.TableJobs < 1 {
		cfg.TableJobs = 1
	}
	return &Scheduler{
		src:       src,
		dst:       dst,
		store:     store,
		paths:     paths,
		run:       run,
		coll:      coll,
		cfg:       cfg,
		logger:    logger.With().Str("component", "tablecopy").Logger(),
		partsDone: make(map[uint32]int),
	}
}

// partJob is one unit of work: copy one partition of one table.
type partJob struct {
	table catalog.SourceTable
	part  catalog.Partition
}

// CopyAllTableData is the scheduler's single entry point: spawn tableJobs workers over
// every retained table's partitions, largest-table-first per the catalog's
// iteration order.
func (s *Scheduler) CopyAllTableData(ctx context.Context) error {
	var jobs []partJob
	var tableProgress []metrics.TableProgress

	if err := s.store.IterTables(ctx, func(t catalog.SourceTable) error {
		parts := t.Partitions
		if len(parts) == 0 {
			parts = []catalog.Partition{{Number: 1}}
		}
		for _, p := range parts {
			jobs = append(jobs, partJob{table: t, part: p})
		}
		tableProgress = append(tableProgress, metrics.TableProgress{
			Schema:    t.Schema,
			Name:      t.Name,
			Status:    metrics.TablePending,
			Parts:     len(parts),
			RowsTotal: t.RowEstimate,
			SizeBytes: t.ByteSize,
		})
		return nil
	}); err != nil {
		return fmt.Errorf("tablecopy: list tables: %w", err)
	}

	if s.coll != nil {
		s.coll.SetTables(tableProgress)
	}

	work := queue.NewChannel[partJob](len(jobs))
	for _, j := range jobs {
		if err := work.Send(ctx, j); err != nil {
			return fmt.Errorf("tablecopy: enqueue %s part %d: %w", j.table.QualifiedName(), j.part.Number, err)
		}
	}
	work.Close()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.TableJobs; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(ctx, worker, work)
		}(i)
	}
	wg.Wait()

	s.failedMu.Lock()
	err := s.firstErr
	s.failedMu.Unlock()
	return err
}

func (s *Scheduler) workerLoop(ctx context.Context, worker int, work queue.WorkQueue[partJob]) {
	for {
		if s.aborted() {
			return
		}
		job, ok, err := work.Receive(ctx)
		if err != nil || !ok {
			return
		}
		if err := s.processPart(ctx, worker, job); err != nil {
			s.logger.Error().Err(err).
				Str("table", job.table.QualifiedName()).
				Int("part", job.part.Number).
				Msg("copy part failed")
			if s.coll != nil {
				s.coll.RecordError(err)
			}
			if s.cfg.FailFast {
				s.abort(err)
				return
			}
		}
	}
}

func (s *Scheduler) aborted() bool {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return s.firstErr != nil
}

func (s *Scheduler) abort(err error) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func partKey(tableOID uint32, partNumber int) string {
	return fmt.Sprintf("%d.%d", tableOID, partNumber)
}

func (s *Scheduler) processPart(ctx context.Context, worker int, job partJob) error {
	t, p := job.table, job.part
	key := partKey(t.OID, p.Number)

	claimed, err := workdir.Claim(s.run, key, fmt.Sprintf("table-part worker=%d", worker))
	if err != nil {
		return fmt.Errorf("claim %s part %d: %w", t.QualifiedName(), p.Number, err)
	}
	if !claimed {
		// A done marker from a previous run still counts toward this
		// table's completion, otherwise a resumed clone would never hand
		// the table to the index pool. A live lock held by another worker
		// does not: that worker reports the completion itself.
		if s.run.IsDoneKey(key) {
			return s.onPartDone(ctx, t)
		}
		return nil
	}

	if s.coll != nil {
		s.coll.TableStarted(t.Schema, t.Name)
	}

	if err := s.truncateOnce(ctx, t); err != nil {
		_ = workdir.Abandon(s.run, key)
		return fmt.Errorf("truncate %s: %w", t.QualifiedName(), err)
	}

	rows, bytes, err := s.copyPart(ctx, t, p)
	if err != nil {
		_ = workdir.Abandon(s.run, key)
		return err
	}

	if err := workdir.Release(s.run, key); err != nil {
		return fmt.Errorf("release %s part %d: %w", t.QualifiedName(), p.Number, err)
	}

	if s.coll != nil {
		s.coll.UpdatePartProgress(t.Schema, t.Name, rows, bytes)
		s.coll.PartDone(t.Schema, t.Name)
	}

	return s.onPartDone(ctx, t)
}

// truncateOnce ensures exactly one worker truncates t's target table,
// guarded by a cross-worker named mutex keyed by table OID: the first
// partition to get there truncates, every later partition appends.
func (s *Scheduler) truncateOnce(ctx context.Context, t catalog.SourceTable) error {
	if _, already := s.truncated.LoadOrStore(t.OID, struct{}{}); already {
		return nil
	}
	if s.run.IsDoneKey(truncateKey(t.OID)) {
		return nil
	}

	if err := mutex.Dir(s.paths.KeyLock(truncateKey(t.OID))); err != nil {
		return err
	}
	m := mutex.New(s.paths.KeyLock(truncateKey(t.OID)) + ".mutex")
	if err := m.Acquire(10*time.Millisecond, 0); err != nil {
		return err
	}
	defer m.Release() //nolint:errcheck

	if s.run.IsDoneKey(truncateKey(t.OID)) {
		return nil
	}

	qn := quoteQualifiedName(t.Schema, t.Name)
	if _, err := s.dst.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", qn)); err != nil {
		return err
	}
	return s.run.MarkDoneKey(truncateKey(t.OID))
}

func truncateKey(tableOID uint32) string { return fmt.Sprintf("%d.truncate", tableOID) }

const progressReportInterval = 500 * time.Millisecond

// copyPart streams one partition's rows from source to target via a direct
// SELECT-to-COPY bridge, with an optional WHERE predicate for partitioned
// tables. Rows never touch disk on the way through.
func (s *Scheduler) copyPart(ctx context.Context, t catalog.SourceTable, p catalog.Partition) (rows, bytes int64, err error) {
	log := s.logger.With().Str("table", t.QualifiedName()).Int("part", p.Number).Logger()

	srcConn, err := s.src.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire source conn: %w", err)
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, 0, fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if s.SnapshotMgr != nil {
		if err := s.SnapshotMgr.SetSnapshot(ctx, srcTx); err != nil {
			return 0, 0, fmt.Errorf("import snapshot for %s: %w", t.QualifiedName(), err)
		}
	}

	qn := quoteQualifiedName(t.Schema, t.Name)
	selectSQL := fmt.Sprintf("SELECT * FROM %s", qn)
	if pred := partitionPredicate(t, p); pred != "" {
		selectSQL += " WHERE " + pred
	}

	srcRows, err := srcTx.Query(ctx, selectSQL)
	if err != nil {
		return 0, 0, fmt.Errorf("select from %s: %w", qn, err)
	}

	fieldDescs := srcRows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	rs := &rowStreamer{rows: srcRows}
	n, err := s.dst.CopyFrom(ctx, pgx.Identifier{t.Schema, t.Name}, colNames, rs)
	srcRows.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("copy into %s: %w", qn, err)
	}
	if rs.err != nil {
		return 0, 0, fmt.Errorf("read from %s: %w", qn, rs.err)
	}

	log.Info().Int64("rows", n).Msg("partition copy complete")
	return n, rs.bytesEstimate, nil
}

// partitionPredicate renders the WHERE clause for one partition of a split
// table, or "" when the table is not split. A partition with a Min or Max
// bound gets a key-range predicate on PartKey; a partition without bounds
// gets its slice of a hash of ctid. computePartitions never sets Min or Max,
// so split tables from the catalog are always copied by ctid hash.
func partitionPredicate(t catalog.SourceTable, p catalog.Partition) string {
	if len(t.Partitions) <= 1 {
		return ""
	}
	if t.PartKey != "" && (p.Min != "" || p.Max != "") {
		col := quoteIdent(t.PartKey)
		switch {
		case p.Min != "" && p.Max != "":
			return fmt.Sprintf("%s >= %s AND %s < %s", col, quoteLiteral(p.Min), col, quoteLiteral(p.Max))
		case p.Min != "":
			return fmt.Sprintf("%s >= %s", col, quoteLiteral(p.Min))
		default:
			return fmt.Sprintf("%s < %s", col, quoteLiteral(p.Max))
		}
	}
	n := len(t.Partitions)
	return fmt.Sprintf("(hashtext(ctid::text) & 2147483647) %% %d = %d", n, (p.Number-1)%n)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// onPartDone enqueues the table's indexes (or, lacking any, the table
// itself onto the vacuum queue) once every partition of it has completed.
func (s *Scheduler) onPartDone(ctx context.Context, t catalog.SourceTable) error {
	total := len(t.Partitions)
	if total == 0 {
		total = 1
	}

	s.partsDoneMu.Lock()
	s.partsDone[t.OID]++
	done := s.partsDone[t.OID] >= total
	s.partsDoneMu.Unlock()
	if !done {
		return nil
	}

	var indexOIDs []uint32
	if err := s.store.IterIndexes(ctx, t.OID, func(idx catalog.SourceIndex) error {
		indexOIDs = append(indexOIDs, idx.OID)
		return nil
	}); err != nil {
		return fmt.Errorf("list indexes for %s: %w", t.QualifiedName(), err)
	}

	if s.coll != nil {
		s.coll.SetIndexCounts(t.Schema, t.Name, len(indexOIDs), 0)
	}

	if len(indexOIDs) == 0 {
		if s.cfg.NoVacuum || s.VacuumQueue == nil {
			return nil
		}
		return s.VacuumQueue.Send(ctx, t.OID)
	}

	if s.IndexQueue == nil {
		return nil
	}
	for _, oid := range indexOIDs {
		if err := s.IndexQueue.Send(ctx, oid); err != nil {
			return fmt.Errorf("enqueue index %d: %w", oid, err)
		}
	}
	return nil
}

// rowStreamer bridges a streamed SELECT into pgx.CopyFrom one row at a
// time.
type rowStreamer struct {
	rows          pgx.Rows
	vals          []any
	err           error
	bytesEstimate int64
	lastReport    time.Time
}

func (r *rowStreamer) Next() bool {
	if !r.rows.Next() {
		return false
	}
	vals, err := r.rows.Values()
	if err != nil {
		r.err = err
		return false
	}
	r.vals = vals
	for _, v := range vals {
		if b, ok := v.([]byte); ok {
			r.bytesEstimate += int64(len(b))
		} else if s, ok := v.(string); ok {
			r.bytesEstimate += int64(len(s))
		}
	}
	return true
}

func (r *rowStreamer) Values() ([]any, error) { return r.vals, nil }

func (r *rowStreamer) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}
