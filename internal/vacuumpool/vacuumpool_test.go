package vacuumpool

import (
	"context"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
	"github.com/jfoltran/pgcopydb-go/internal/queue"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

func TestQuoteQualifiedName(t *testing.T) {
	require.Equal(t, `"t"`, quoteQualifiedName("public", "t"))
	require.Equal(t, `"archive"."t"`, quoteQualifiedName("archive", "t"))
}

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"w""eird"`, quoteIdent(`w"eird`))
}

func TestPool_RunsVacuumAnalyzeOnce(t *testing.T) {
	ctx := context.Background()
	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 5, Schema: "archive", Name: "t", Partitions: []catalog.Partition{{Number: 1}}}, nil))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM ANALYZE "archive"."t"`)).
		WillReturnResult(pgxmock.NewResult("VACUUM", 0))

	run := workdir.NewMemRunStore()
	q := queue.NewChannel[uint32](1)
	require.NoError(t, q.Send(ctx, 5))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{VacuumJobs: 1}, zerolog.Nop())
	require.NoError(t, pool.StartVacuumWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
	require.True(t, run.IsDoneKey("5.vacuum"))
}

func TestPool_DoneMarkerSkipsVacuum(t *testing.T) {
	ctx := context.Background()
	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	require.NoError(t, store.InsertTable(ctx, catalog.SourceTable{OID: 6, Schema: "public", Name: "t", Partitions: []catalog.Partition{{Number: 1}}}, nil))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	run := workdir.NewMemRunStore()
	require.NoError(t, run.MarkDoneKey("6.vacuum"))

	q := queue.NewChannel[uint32](1)
	require.NoError(t, q.Send(ctx, 6))
	q.Close()

	pool := NewPool(mock, store, run, nil, q, Config{VacuumJobs: 1}, zerolog.Nop())
	require.NoError(t, pool.StartVacuumWorkers(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
