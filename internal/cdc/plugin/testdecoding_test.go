package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestDecoding_ParseAction(t *testing.T) {
	d := TestDecoding{}

	cases := []struct {
		raw  string
		want Action
		ok   bool
	}{
		{"BEGIN 42", ActionBegin, true},
		{"COMMIT 42", ActionCommit, true},
		{`table public.t: INSERT: id[integer]:1 v[text]:'a'`, ActionInsert, true},
		{`table public.t: UPDATE: id[integer]:1 v[text]:'b'`, ActionUpdate, true},
		{`table public.t: DELETE: id[integer]:1`, ActionDelete, true},
		{`table public.t: TRUNCATE:`, ActionTruncate, true},
		{"garbage line", 0, false},
	}
	for _, c := range cases {
		got, ok := d.ParseAction(c.raw)
		require.Equal(t, c.ok, ok, c.raw)
		if ok {
			require.Equal(t, c.want, got, c.raw)
		}
	}
}

func TestTestDecoding_ParseHeader(t *testing.T) {
	d := TestDecoding{}

	xid, _, _, err := d.ParseHeader(ActionBegin, "BEGIN 123")
	require.NoError(t, err)
	require.Equal(t, uint32(123), xid)

	_, schema, table, err := d.ParseHeader(ActionInsert, `table public.t: INSERT: id[integer]:1`)
	require.NoError(t, err)
	require.Equal(t, "public", schema)
	require.Equal(t, "t", table)

	_, _, _, err = d.ParseHeader(ActionBegin, "BEGIN")
	require.Error(t, err)
}

func TestTestDecoding_ParseDML_Insert(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: INSERT: id[integer]:1 v[text]:'a''b' n[text]:null`

	change, err := d.ParseDML(ActionInsert, raw, nil)
	require.NoError(t, err)
	require.Equal(t, "public", change.Schema)
	require.Equal(t, "t", change.Table)
	require.Len(t, change.NewCols, 3)
	require.Equal(t, "id", change.NewCols[0].Name)
	require.Equal(t, "1", change.NewCols[0].Value)
	require.Equal(t, "a'b", change.NewCols[1].Value)
	require.True(t, change.NewCols[2].IsNull)
}

func TestTestDecoding_ParseDML_DeleteAndTruncate(t *testing.T) {
	d := TestDecoding{}

	del, err := d.ParseDML(ActionDelete, `table public.t: DELETE: id[integer]:1`, nil)
	require.NoError(t, err)
	require.Len(t, del.OldCols, 1)
	require.Empty(t, del.NewCols)

	trunc, err := d.ParseDML(ActionTruncate, `table public.t: TRUNCATE:`, nil)
	require.NoError(t, err)
	require.Empty(t, trunc.OldCols)
	require.Empty(t, trunc.NewCols)
}

func TestTestDecoding_ParseDML_UpdateExplicitSections(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:1 v[text]:'new'`

	change, err := d.ParseDML(ActionUpdate, raw, nil)
	require.NoError(t, err)
	require.Len(t, change.OldCols, 1)
	require.Len(t, change.NewCols, 2)
	require.Equal(t, "1", change.OldCols[0].Value)
	require.Equal(t, "new", change.NewCols[1].Value)
}

func TestTestDecoding_ParseDML_UpdateMissingSectionsUsesPKeyLookup(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: UPDATE: id[integer]:1 v[text]:'new'`

	lookup := func(schema, table string) (map[string]bool, error) {
		require.Equal(t, "public", schema)
		require.Equal(t, "t", table)
		return map[string]bool{"id": true}, nil
	}

	change, err := d.ParseDML(ActionUpdate, raw, lookup)
	require.NoError(t, err)
	require.Len(t, change.OldCols, 1)
	require.Equal(t, "id", change.OldCols[0].Name)
	require.Len(t, change.NewCols, 1)
	require.Equal(t, "v", change.NewCols[0].Name)
}

func TestTestDecoding_ParseDML_UpdateNoLookupIsError(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: UPDATE: id[integer]:1 v[text]:'new'`

	_, err := d.ParseDML(ActionUpdate, raw, nil)
	require.Error(t, err)
}

func TestTestDecoding_ParseDML_UpdatePKeySplitEmptyHalfIsError(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: UPDATE: id[integer]:1 v[text]:'new'`

	lookup := func(schema, table string) (map[string]bool, error) {
		// Every column looks like a pkey column: the non-pkey half ends up empty.
		return map[string]bool{"id": true, "v": true}, nil
	}

	_, err := d.ParseDML(ActionUpdate, raw, lookup)
	require.Error(t, err)
}

func TestTestDecoding_ParseDML_BitString(t *testing.T) {
	d := TestDecoding{}
	raw := `table public.t: INSERT: flags[bit]:B'101'`

	change, err := d.ParseDML(ActionInsert, raw, nil)
	require.NoError(t, err)
	require.Equal(t, "B'101'", change.NewCols[0].Value)
	require.False(t, change.NewCols[0].IsNull)
}

func TestTestDecoding_ParseDML_MalformedHeader(t *testing.T) {
	d := TestDecoding{}
	_, err := d.ParseDML(ActionInsert, "not a table header", nil)
	require.Error(t, err)
}
