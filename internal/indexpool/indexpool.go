// Package indexpool is the index/constraint worker pool: N workers consume
// an index-OID queue, build each index once, and promote to the constraint
// phase once every index of a table is done.
package indexpool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/metrics"
	"github.com/jfoltran/pgcopydb-go/internal/queue"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// Config holds the scheduling knobs for the pool.
type Config struct {
	IndexJobs int
	FailFast  bool
	// IfNotExists applies "IF NOT EXISTS" to CREATE INDEX, set when running
	// with --resume or the standalone "copy indexes" command.
	IfNotExists bool
	NoVacuum    bool
}

// Execer is the slice of pgxpool.Pool the workers need to run DDL on the
// target.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Pool runs the workers over the shared index-OID queue.
type Pool struct {
	dst    Execer
	store  *catalog.Store
	run    workdir.KeyRunStore
	coll   *metrics.Collector
	logger zerolog.Logger
	cfg    Config

	queue queue.WorkQueue[uint32]
	// VacuumQueue receives a table OID once all of its indexes and
	// constraints are done, unless vacuuming is disabled.
	VacuumQueue queue.WorkQueue[uint32]

	tableMu      sync.Mutex
	tableTotal   map[uint32]int
	tableDone    map[uint32]int
	constraining map[uint32]bool

	failedMu sync.Mutex
	firstErr error
}

// NewPool creates an index/constraint worker pool consuming q.
func NewPool(dst Execer, store *catalog.Store, run workdir.KeyRunStore, coll *metrics.Collector, q queue.WorkQueue[uint32], cfg Config, logger zerolog.Logger) *Pool {
	if cfg.IndexJobs < 1 {
		cfg.IndexJobs = 1
	}
	return &Pool{
		dst:          dst,
		store:        store,
		run:          run,
		coll:         coll,
		cfg:          cfg,
		queue:        q,
		logger:       logger.With().Str("component", "indexpool").Logger(),
		tableTotal:   make(map[uint32]int),
		tableDone:    make(map[uint32]int),
		constraining: make(map[uint32]bool),
	}
}

// StartIndexWorkers runs IndexJobs workers until the queue is closed and
// drained, or ctx is cancelled. It blocks until every worker exits.
func (p *Pool) StartIndexWorkers(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.IndexJobs; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	return p.firstErr
}

// SendStop closes the shared queue so workers exit once it drains.
func (p *Pool) SendStop() {
	p.queue.Close()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		if p.aborted() {
			return
		}
		oid, ok, err := p.queue.Receive(ctx)
		if err != nil || !ok {
			return
		}
		if err := p.buildIndex(ctx, worker, oid); err != nil {
			p.logger.Error().Err(err).Uint32("index_oid", oid).Msg("index build failed")
			if p.coll != nil {
				p.coll.RecordError(err)
			}
			if p.cfg.FailFast {
				p.abort(err)
				return
			}
		}
	}
}

func (p *Pool) aborted() bool {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	return p.firstErr != nil
}

func (p *Pool) abort(err error) {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}

// buildIndex implements the per-index state machine: claim, build (unless
// skip-create applies), mark done, then check for table-level completion.
func (p *Pool) buildIndex(ctx context.Context, worker int, oid uint32) error {
	idx, ok, err := p.store.LookupIndexByOID(ctx, oid)
	if err != nil {
		return fmt.Errorf("lookup index %d: %w", oid, err)
	}
	if !ok {
		return fmt.Errorf("index %d not found in catalog", oid)
	}

	key := fmt.Sprintf("%d", idx.OID)
	claimed, err := workdir.Claim(p.run, key, fmt.Sprintf("index worker=%d", worker))
	if err != nil {
		return fmt.Errorf("claim index %d: %w", oid, err)
	}
	if !claimed {
		return p.checkTableComplete(ctx, idx.TableOID)
	}

	if skipCreate(idx) {
		// Deferred entirely to the constraint phase below.
		if err := workdir.Release(p.run, key); err != nil {
			return err
		}
		return p.checkTableComplete(ctx, idx.TableOID)
	}

	stmt := createIndexStmt(idx, p.cfg.IfNotExists)
	if _, err := p.dst.Exec(ctx, stmt); err != nil {
		if isDuplicateObjectErr(err) {
			p.logger.Warn().Uint32("index_oid", oid).Msg("index already exists on target, treating as done")
		} else {
			_ = workdir.Abandon(p.run, key)
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
	}

	if err := workdir.Release(p.run, key); err != nil {
		return err
	}

	return p.checkTableComplete(ctx, idx.TableOID)
}

// skipCreate reports whether idx is only the backing index of a non-unique,
// non-primary constraint (typically an EXCLUDE constraint): in that case the
// index and its constraint are created together in a single
// ALTER TABLE ... ADD CONSTRAINT during the constraint phase.
func skipCreate(idx catalog.SourceIndex) bool {
	return idx.HasConstraint() && !idx.IsPrimary && !idx.IsUnique
}

func createIndexStmt(idx catalog.SourceIndex, ifNotExists bool) string {
	if !ifNotExists {
		return idx.Definition
	}
	// idx.Definition is "CREATE [UNIQUE] INDEX <name> ON ...": splice in
	// IF NOT EXISTS right after INDEX.
	const marker = "INDEX "
	i := strings.Index(idx.Definition, marker)
	if i < 0 {
		return idx.Definition
	}
	return idx.Definition[:i+len(marker)] + "IF NOT EXISTS " + idx.Definition[i+len(marker):]
}

// checkTableComplete enqueues the table's vacuum job once every index and
// every constraint it backs are done; at most one worker builds constraints
// for a given table.
func (p *Pool) checkTableComplete(ctx context.Context, tableOID uint32) error {
	total, err := p.indexCount(ctx, tableOID)
	if err != nil {
		return err
	}

	done := p.countDone(ctx, tableOID)
	if p.coll != nil {
		if tbl, ok, _ := p.store.LookupTableByOID(ctx, tableOID); ok {
			p.coll.SetIndexCounts(tbl.Schema, tbl.Name, total, done)
		}
	}
	if done < total {
		return nil
	}

	p.tableMu.Lock()
	if p.constraining[tableOID] {
		p.tableMu.Unlock()
		return nil
	}
	p.constraining[tableOID] = true
	p.tableMu.Unlock()

	if err := p.buildConstraints(ctx, tableOID); err != nil {
		return err
	}

	if p.cfg.NoVacuum || p.VacuumQueue == nil {
		return nil
	}
	return p.VacuumQueue.Send(ctx, tableOID)
}

func (p *Pool) indexCount(ctx context.Context, tableOID uint32) (int, error) {
	n := 0
	err := p.store.IterIndexes(ctx, tableOID, func(catalog.SourceIndex) error {
		n++
		return nil
	})
	return n, err
}

func (p *Pool) countDone(ctx context.Context, tableOID uint32) int {
	done := 0
	_ = p.store.IterIndexes(ctx, tableOID, func(idx catalog.SourceIndex) error {
		if p.run.IsDoneKey(fmt.Sprintf("%d", idx.OID)) {
			done++
		}
		return nil
	})
	return done
}

// buildConstraints issues one ALTER TABLE ADD CONSTRAINT per constrained
// index of tableOID, strictly after every index build above has observed
// done, satisfying the "no constraint before all indexes of its table are
// done" ordering invariant.
func (p *Pool) buildConstraints(ctx context.Context, tableOID uint32) error {
	table, ok, err := p.store.LookupTableByOID(ctx, tableOID)
	if err != nil {
		return fmt.Errorf("lookup table %d: %w", tableOID, err)
	}
	if !ok {
		return fmt.Errorf("table %d not found in catalog", tableOID)
	}

	var indexes []catalog.SourceIndex
	if err := p.store.IterIndexes(ctx, tableOID, func(idx catalog.SourceIndex) error {
		if idx.HasConstraint() {
			indexes = append(indexes, idx)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, idx := range indexes {
		key := fmt.Sprintf("%d.constraint", idx.ConstraintOID)
		claimed, err := workdir.Claim(p.run, key, "constraint build")
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		stmt := constraintStmt(table, idx)
		if _, err := p.dst.Exec(ctx, stmt); err != nil {
			if isDuplicateObjectErr(err) {
				p.logger.Warn().Str("constraint", idx.ConstraintName).Msg("constraint already exists on target, treating as done")
			} else {
				_ = workdir.Abandon(p.run, key)
				return fmt.Errorf("add constraint %s: %w", idx.ConstraintName, err)
			}
		}
		if err := workdir.Release(p.run, key); err != nil {
			return err
		}
	}
	return nil
}

func constraintStmt(table catalog.SourceTable, idx catalog.SourceIndex) string {
	tbl := quoteQualifiedName(table.Schema, table.Name)
	if idx.IsPrimary {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY USING INDEX %s",
			tbl, quoteIdent(idx.ConstraintName), quoteIdent(idx.Name))
	}
	if idx.IsUnique {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE USING INDEX %s",
			tbl, quoteIdent(idx.ConstraintName), quoteIdent(idx.Name))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		tbl, quoteIdent(idx.ConstraintName), idx.ConstraintDef)
}

func quoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// isDuplicateObjectErr reports whether err is Postgres's "already exists"
// class of error (message text "already exists", or SQLSTATE 42710/42P07),
// treated as already-done rather than a failure.
func isDuplicateObjectErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "SQLSTATE 42710") || strings.Contains(msg, "SQLSTATE 42P07")
}
