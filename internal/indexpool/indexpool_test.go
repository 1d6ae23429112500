package indexpool

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/queue"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

func TestSkipCreate(t *testing.T) {
	require.True(t, skipCreate(catalog.SourceIndex{ConstraintOID: 1, IsPrimary: false, IsUnique: false}))
	require.False(t, skipCreate(catalog.SourceIndex{ConstraintOID: 1, IsPrimary: true}))
	require.False(t, skipCreate(catalog.SourceIndex{ConstraintOID: 1, IsUnique: true}))
	require.False(t, skipCreate(catalog.SourceIndex{}))
}

func TestCreateIndexStmt_IfNotExists(t *testing.T) {
	idx := catalog.SourceIndex{Definition: "CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)"}
	require.Equal(t, "CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)", createIndexStmt(idx, false))
	require.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS t_pkey ON public.t USING btree (id)", createIndexStmt(idx, true))
}

func TestConstraintStmt_PrimaryKey(t *testing.T) {
	table := catalog.SourceTable{Schema: "public", Name: "t"}
	idx := catalog.SourceIndex{Name: "t_pkey", ConstraintName: "t_pkey", IsPrimary: true}
	require.Equal(t, `ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY USING INDEX "t_pkey"`, constraintStmt(table, idx))
}

func TestConstraintStmt_GenericDef(t *testing.T) {
	table := catalog.SourceTable{Schema: "archive", Name: "t"}
	idx := catalog.SourceIndex{ConstraintName: "t_excl", ConstraintDef: "EXCLUDE USING gist (during WITH &&)"}
	require.Equal(t, `ALTER TABLE "archive"."t" ADD CONSTRAINT "t_excl" EXCLUDE USING gist (during WITH &&)`, constraintStmt(table, idx))
}

func TestIsDuplicateObjectErr(t *testing.T) {
	require.False(t, isDuplicateObjectErr(nil))
}

func openTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Drives the full per-index state machine against a mocked target: both
// indexes build, the pkey constraint is promoted only after the second index
// finishes, and the table lands on the vacuum queue exactly once.
func TestPool_BuildsIndexesThenPromotesConstraint(t *testing.T) {
	ctx := context.Background()
	store := openTestCatalog(t)
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 1, Schema: "public", Name: "t", Partitions: []catalog.Partition{{Number: 1}}}, nil))
	require.NoError(t, store.InsertIndex(ctx, catalog.SourceIndex{
		OID: 10, TableOID: 1, Schema: "public", Name: "t_pkey",
		Definition:    "CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)",
		ConstraintOID: 100, ConstraintName: "t_pkey", IsPrimary: true, IsUnique: true,
	}, false))
	require.NoError(t, store.InsertIndex(ctx, catalog.SourceIndex{
		OID: 11, TableOID: 1, Schema: "public", Name: "t_v_idx",
		Definition: "CREATE INDEX t_v_idx ON public.t USING btree (v)",
	}, false))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(regexp.QuoteMeta("CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)")).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX t_v_idx ON public.t USING btree (v)")).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY USING INDEX "t_pkey"`)).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))

	run := workdir.NewMemRunStore()
	q := queue.NewChannel[uint32](4)
	require.NoError(t, q.Send(ctx, 10))
	require.NoError(t, q.Send(ctx, 11))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{IndexJobs: 1}, zerolog.Nop())
	vacuumQueue := queue.NewChannel[uint32](4)
	pool.VacuumQueue = vacuumQueue

	require.NoError(t, pool.StartIndexWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	require.True(t, run.IsDoneKey("10"))
	require.True(t, run.IsDoneKey("11"))
	require.True(t, run.IsDoneKey("100.constraint"))

	vacuumQueue.Close()
	require.Equal(t, []uint32{1}, vacuumQueue.Drain())
}

// An index that only backs a non-unique, non-primary constraint must never
// be created on its own; the constraint phase creates both at once.
func TestPool_SkipCreateDefersToConstraintPhase(t *testing.T) {
	ctx := context.Background()
	store := openTestCatalog(t)
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 2, Schema: "public", Name: "booking", Partitions: []catalog.Partition{{Number: 1}}}, nil))
	require.NoError(t, store.InsertIndex(ctx, catalog.SourceIndex{
		OID: 20, TableOID: 2, Schema: "public", Name: "booking_excl",
		Definition:    "CREATE INDEX booking_excl ON public.booking USING gist (during)",
		ConstraintOID: 200, ConstraintName: "booking_excl",
		ConstraintDef: "EXCLUDE USING gist (during WITH &&)",
	}, false))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "booking" ADD CONSTRAINT "booking_excl" EXCLUDE USING gist (during WITH &&)`)).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))

	run := workdir.NewMemRunStore()
	q := queue.NewChannel[uint32](1)
	require.NoError(t, q.Send(ctx, 20))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{IndexJobs: 1, NoVacuum: true}, zerolog.Nop())
	require.NoError(t, pool.StartIndexWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	require.True(t, run.IsDoneKey("20"))
	require.True(t, run.IsDoneKey("200.constraint"))
}

// A pre-existing index on the target is already-done, not a failure.
func TestPool_DuplicateIndexTreatedAsDone(t *testing.T) {
	ctx := context.Background()
	store := openTestCatalog(t)
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 3, Schema: "public", Name: "t", Partitions: []catalog.Partition{{Number: 1}}}, nil))
	require.NoError(t, store.InsertIndex(ctx, catalog.SourceIndex{
		OID: 30, TableOID: 3, Schema: "public", Name: "t_v_idx",
		Definition: "CREATE INDEX t_v_idx ON public.t USING btree (v)",
	}, false))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX t_v_idx ON public.t USING btree (v)")).
		WillReturnError(errors.New(`ERROR: relation "t_v_idx" already exists (SQLSTATE 42P07)`))

	run := workdir.NewMemRunStore()
	q := queue.NewChannel[uint32](1)
	require.NoError(t, q.Send(ctx, 30))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{IndexJobs: 1, NoVacuum: true}, zerolog.Nop())
	require.NoError(t, pool.StartIndexWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
	require.True(t, run.IsDoneKey("30"))
}

// A done marker from a previous run short-circuits the build entirely: no
// SQL reaches the target for that index.
func TestPool_DoneMarkerSkipsBuild(t *testing.T) {
	ctx := context.Background()
	store := openTestCatalog(t)
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 4, Schema: "public", Name: "t", Partitions: []catalog.Partition{{Number: 1}}}, nil))
	require.NoError(t, store.InsertIndex(ctx, catalog.SourceIndex{
		OID: 40, TableOID: 4, Schema: "public", Name: "t_v_idx",
		Definition: "CREATE INDEX t_v_idx ON public.t USING btree (v)",
	}, false))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	run := workdir.NewMemRunStore()
	require.NoError(t, run.MarkDoneKey("40"))

	q := queue.NewChannel[uint32](1)
	require.NoError(t, q.Send(ctx, 40))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{IndexJobs: 1, NoVacuum: true}, zerolog.Nop())
	require.NoError(t, pool.StartIndexWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
