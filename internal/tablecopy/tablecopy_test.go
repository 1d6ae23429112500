package tablecopy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
)

func TestPartitionPredicate_WholeTable(t *testing.T) {
	tbl := catalog.SourceTable{OID: 1, Partitions: []catalog.Partition{{Number: 1}}}
	require.Equal(t, "", partitionPredicate(tbl, tbl.Partitions[0]))
}

func TestPartitionPredicate_KeyRange(t *testing.T) {
	tbl := catalog.SourceTable{
		OID:     2,
		PartKey: "id",
		Partitions: []catalog.Partition{
			{Number: 1, Min: "", Max: "100"},
			{Number: 2, Min: "100", Max: "200"},
			{Number: 3, Min: "200", Max: ""},
		},
	}
	require.Equal(t, `"id" < '100'`, partitionPredicate(tbl, tbl.Partitions[0]))
	require.Equal(t, `"id" >= '100' AND "id" < '200'`, partitionPredicate(tbl, tbl.Partitions[1]))
	require.Equal(t, `"id" >= '200'`, partitionPredicate(tbl, tbl.Partitions[2]))
}

func TestPartitionPredicate_CtidFallback(t *testing.T) {
	tbl := catalog.SourceTable{
		OID: 3,
		Partitions: []catalog.Partition{
			{Number: 1}, {Number: 2}, {Number: 3},
		},
	}
	pred := partitionPredicate(tbl, tbl.Partitions[1])
	require.Contains(t, pred, "hashtext(ctid::text)")
	require.Contains(t, pred, "= 1")
}

func TestQuoteQualifiedName(t *testing.T) {
	require.Equal(t, `"t"`, quoteQualifiedName("public", "t"))
	require.Equal(t, `"archive"."t"`, quoteQualifiedName("archive", "t"))
}

func TestPartKeyAndTruncateKey(t *testing.T) {
	require.Equal(t, "42.3", partKey(42, 3))
	require.Equal(t, "42.truncate", truncateKey(42))
}
