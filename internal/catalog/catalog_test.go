package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTable(t *testing.T, s *Store, tbl SourceTable, attrs []Attr) {
	t.Helper()
	require.NoError(t, s.InsertTable(context.Background(), tbl, attrs))
}

func TestIterTables_OrdersLargestFirstThenOIDAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedTable(t, s, SourceTable{OID: 3, Schema: "public", Name: "small", ByteSize: 100, Partitions: []Partition{{Number: 1}}}, nil)
	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "big_a", ByteSize: 1000, Partitions: []Partition{{Number: 1}}}, nil)
	seedTable(t, s, SourceTable{OID: 2, Schema: "public", Name: "big_b", ByteSize: 1000, Partitions: []Partition{{Number: 1}}}, nil)

	var names []string
	require.NoError(t, s.IterTables(ctx, func(tbl SourceTable) error {
		names = append(names, tbl.Name)
		return nil
	}))
	require.Equal(t, []string{"big_a", "big_b", "small"}, names)
}

func TestIterTables_SkipsFilteredOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "t", Partitions: []Partition{{Number: 1}}}, nil)
	_, err := s.db.ExecContext(ctx, "UPDATE s_table SET filtered_out = 1 WHERE oid = 1")
	require.NoError(t, err)

	var count int
	require.NoError(t, s.IterTables(ctx, func(tbl SourceTable) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestIterTables_CarriesPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parts := []Partition{{Number: 1, Min: "0", Max: "100"}, {Number: 2, Min: "100", Max: "200"}}
	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "k", Partitions: parts}, []Attr{{Num: 1, Name: "id", IsPkey: true}})

	var got SourceTable
	require.NoError(t, s.IterTables(ctx, func(tbl SourceTable) error {
		got = tbl
		return nil
	}))
	require.Len(t, got.Partitions, 2)
	require.Equal(t, "100", got.Partitions[1].Min)
}

func TestLookupTableByNameAndOID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTable(t, s, SourceTable{OID: 42, Schema: "public", Name: "t", Partitions: []Partition{{Number: 1}}}, nil)

	byName, ok, err := s.LookupTableByName(ctx, "public", "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(42), byName.OID)

	byOID, ok, err := s.LookupTableByOID(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t", byOID.Name)

	_, ok, err = s.LookupTableByName(ctx, "public", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterIndexes_OnlyOwningTableAndNotFiltered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIndex(ctx, SourceIndex{OID: 10, TableOID: 1, Schema: "public", Name: "t_pkey", Definition: "CREATE INDEX", IsPrimary: true}, false))
	require.NoError(t, s.InsertIndex(ctx, SourceIndex{OID: 11, TableOID: 1, Schema: "public", Name: "t_v_idx", Definition: "CREATE INDEX"}, false))
	require.NoError(t, s.InsertIndex(ctx, SourceIndex{OID: 12, TableOID: 2, Schema: "public", Name: "other_idx", Definition: "CREATE INDEX"}, false))
	require.NoError(t, s.InsertIndex(ctx, SourceIndex{OID: 13, TableOID: 1, Schema: "public", Name: "filtered_idx", Definition: "CREATE INDEX"}, true))

	var oids []uint32
	require.NoError(t, s.IterIndexes(ctx, 1, func(idx SourceIndex) error {
		oids = append(oids, idx.OID)
		return nil
	}))
	require.Equal(t, []uint32{10, 11}, oids)
}

func TestPKeyAttrsAndLookupAttrByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	attrs := []Attr{
		{Num: 1, Name: "id", IsPkey: true},
		{Num: 2, Name: "v", IsPkey: false},
	}
	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "t", Partitions: []Partition{{Number: 1}}}, attrs)

	pk, err := s.PKeyAttrs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pk, 1)
	require.Equal(t, "id", pk[0].Name)

	attr, ok, err := s.LookupAttrByName(ctx, 1, "v")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, attr.IsPkey)

	_, ok, err = s.LookupAttrByName(ctx, 1, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFilterSet_OIDAndNameAndPersistedFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fs := NewFilterSet()
	fs.AddOID(7)
	fs.AddName("archive.t")
	require.NoError(t, s.PersistFilters(ctx, fs))

	filtered, err := s.ObjectIDIsFilteredOut(ctx, 7, "")
	require.NoError(t, err)
	require.True(t, filtered)

	filtered, err = s.ObjectIDIsFilteredOut(ctx, 99, "archive.t")
	require.NoError(t, err)
	require.True(t, filtered)

	filtered, err = s.ObjectIDIsFilteredOut(ctx, 1, "public.t")
	require.NoError(t, err)
	require.False(t, filtered)
}

func TestObjectIDIsFilteredOut_FallsBackToObjectFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "t", Partitions: []Partition{{Number: 1}}}, nil)
	_, err := s.db.ExecContext(ctx, "UPDATE s_table SET filtered_out = 1 WHERE oid = 1")
	require.NoError(t, err)

	filtered, err := s.ObjectIDIsFilteredOut(ctx, 1, "")
	require.NoError(t, err)
	require.True(t, filtered)
}

func TestPrepareSpecs_RendersRetainedObjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTable(t, s, SourceTable{OID: 1, Schema: "public", Name: "t", Partitions: []Partition{{Number: 1}}}, nil)
	require.NoError(t, s.InsertIndex(ctx, SourceIndex{OID: 10, TableOID: 1, Schema: "public", Name: "t_pkey", Definition: "CREATE INDEX"}, false))
	require.NoError(t, s.insertSequence(ctx, SourceSequence{OID: 20, Schema: "public", Name: "t_id_seq", OwnerTableOID: 1}, false))

	docAny, err := s.PrepareSpecs(ctx)
	require.NoError(t, err)
	doc, ok := docAny.(*schemaDoc)
	require.True(t, ok)
	require.Len(t, doc.Tables, 1)
	require.Len(t, doc.Indexes, 1)
	require.Len(t, doc.Sequences, 1)
}

func TestIterSequences_SkipsFilteredOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.insertSequence(ctx, SourceSequence{OID: 7, Schema: "public", Name: "t_id_seq", OwnerTableOID: 1}, false))
	require.NoError(t, s.insertSequence(ctx, SourceSequence{OID: 8, Schema: "archive", Name: "x_id_seq"}, true))

	var names []string
	require.NoError(t, s.IterSequences(ctx, func(seq SourceSequence) error {
		names = append(names, seq.Schema+"."+seq.Name)
		return nil
	}))
	require.Equal(t, []string{"public.t_id_seq"}, names)
}
