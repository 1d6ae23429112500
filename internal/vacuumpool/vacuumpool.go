// Package vacuumpool is a worker pool consuming a table-OID queue and
// running VACUUM ANALYZE on the target. Same queue abstraction as
// indexpool, with no state machine beyond done/not-done.
package vacuumpool

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
	VacuumJobs int
	FailFast   bool
}

// Execer is the slice of pgxpool.Pool the workers need to run VACUUM on the
// target.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Pool runs the workers over the shared table-OID queue.
type Pool struct {
	dst    Execer
	store  *catalog.Store
	run    workdir.KeyRunStore
	coll   *metrics.Collector
	logger zerolog.Logger
	cfg    Config
	queue  queue.WorkQueue[uint32]

	failedMu sync.Mutex
	firstErr error
}

// NewPool creates a vacuum worker pool consuming q.
func NewPool(dst Execer, store *catalog.Store, run workdir.KeyRunStore, coll *metrics.Collector, q queue.WorkQueue[uint32], cfg Config, logger zerolog.Logger) *Pool {
	if cfg.VacuumJobs < 1 {
		cfg.VacuumJobs = 1
	}
	return &Pool{
		dst:    dst,
		store:  store,
		run:    run,
		coll:   coll,
		cfg:    cfg,
		queue:  q,
		logger: logger.With().Str("component", "vacuumpool").Logger(),
	}
}

// StartVacuumWorkers runs VacuumJobs workers until the queue is closed and
// drained, or ctx is cancelled.
func (p *Pool) StartVacuumWorkers(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.VacuumJobs; i++ {
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
		if err := p.vacuumOne(ctx, worker, oid); err != nil {
			p.logger.Error().Err(err).Uint32("table_oid", oid).Msg("vacuum failed")
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

func (p *Pool) vacuumOne(ctx context.Context, worker int, oid uint32) error {
	key := fmt.Sprintf("%d.vacuum", oid)
	claimed, err := workdir.Claim(p.run, key, fmt.Sprintf("vacuum worker=%d", worker))
	if err != nil {
		return fmt.Errorf("claim vacuum %d: %w", oid, err)
	}
	if !claimed {
		return nil
	}

	table, ok, err := p.store.LookupTableByOID(ctx, oid)
	if err != nil {
		_ = workdir.Abandon(p.run, key)
		return fmt.Errorf("lookup table %d: %w", oid, err)
	}
	if !ok {
		_ = workdir.Abandon(p.run, key)
		return fmt.Errorf("table %d not found in catalog", oid)
	}

	qn := quoteQualifiedName(table.Schema, table.Name)
	if _, err := p.dst.Exec(ctx, fmt.Sprintf("VACUUM ANALYZE %s", qn)); err != nil {
		_ = workdir.Abandon(p.run, key)
		return fmt.Errorf("vacuum %s: %w", qn, err)
	}

	if err := workdir.Release(p.run, key); err != nil {
		return err
	}
	if p.coll != nil {
		p.coll.SetIndexCounts(table.Schema, table.Name, 0, 0)
	}
	p.logger.Info().Str("table", table.QualifiedName()).Msg("vacuum analyze complete")
	return nil
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
