package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWal2JSON_ParseAction(t *testing.T) {
	w := Wal2JSON{}

	action, ok := w.ParseAction(`{"action":"I","schema":"public","table":"t"}`)
	require.True(t, ok)
	require.Equal(t, ActionInsert, action)

	_, ok = w.ParseAction(`not json`)
	require.False(t, ok)

	_, ok = w.ParseAction(`{"action":"Z"}`)
	require.False(t, ok)
}

func TestWal2JSON_ParseHeader(t *testing.T) {
	w := Wal2JSON{}

	xid, _, _, err := w.ParseHeader(ActionBegin, `{"action":"B","xid":7}`)
	require.NoError(t, err)
	require.Equal(t, uint32(7), xid)

	_, schema, table, err := w.ParseHeader(ActionInsert, `{"action":"I","schema":"public","table":"t"}`)
	require.NoError(t, err)
	require.Equal(t, "public", schema)
	require.Equal(t, "t", table)
}

func TestWal2JSON_ParseDML_Insert(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"I","schema":"public","table":"t","columns":[
		{"name":"id","type":"integer","value":1},
		{"name":"v","type":"text","value":"a"},
		{"name":"n","type":"text","value":null}
	]}`

	change, err := w.ParseDML(ActionInsert, raw, nil)
	require.NoError(t, err)
	require.Equal(t, "public", change.Schema)
	require.Equal(t, "t", change.Table)
	require.Len(t, change.NewCols, 3)
	require.Equal(t, "1", change.NewCols[0].Value)
	require.Equal(t, "a", change.NewCols[1].Value)
	require.True(t, change.NewCols[2].IsNull)
}

func TestWal2JSON_ParseDML_UpdateWithIdentity(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"U","schema":"public","table":"t",
		"columns":[{"name":"id","type":"integer","value":1},{"name":"v","type":"text","value":"new"}],
		"identity":[{"name":"id","type":"integer","value":1}]}`

	change, err := w.ParseDML(ActionUpdate, raw, nil)
	require.NoError(t, err)
	require.Len(t, change.OldCols, 1)
	require.Len(t, change.NewCols, 2)
}

func TestWal2JSON_ParseDML_UpdateWithoutIdentityUsesPKeyLookup(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"U","schema":"public","table":"t",
		"columns":[{"name":"id","type":"integer","value":1},{"name":"v","type":"text","value":"new"}]}`

	lookup := func(schema, table string) (map[string]bool, error) {
		return map[string]bool{"id": true}, nil
	}

	change, err := w.ParseDML(ActionUpdate, raw, lookup)
	require.NoError(t, err)
	require.Len(t, change.OldCols, 1)
	require.Equal(t, "id", change.OldCols[0].Name)
	require.Len(t, change.NewCols, 1)
	require.Equal(t, "v", change.NewCols[0].Name)
}

func TestWal2JSON_ParseDML_UpdateNoLookupIsError(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"U","schema":"public","table":"t",
		"columns":[{"name":"id","type":"integer","value":1}]}`

	_, err := w.ParseDML(ActionUpdate, raw, nil)
	require.Error(t, err)
}

func TestWal2JSON_ParseDML_Delete(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"D","schema":"public","table":"t","identity":[{"name":"id","type":"integer","value":1}]}`

	change, err := w.ParseDML(ActionDelete, raw, nil)
	require.NoError(t, err)
	require.Len(t, change.OldCols, 1)
	require.Empty(t, change.NewCols)
}

func TestWal2JSON_ParseDML_Truncate(t *testing.T) {
	w := Wal2JSON{}
	raw := `{"action":"T","schema":"public","table":"t"}`

	change, err := w.ParseDML(ActionTruncate, raw, nil)
	require.NoError(t, err)
	require.Empty(t, change.OldCols)
	require.Empty(t, change.NewCols)
}

func TestWal2JSON_ParseDML_MalformedJSON(t *testing.T) {
	w := Wal2JSON{}
	_, err := w.ParseDML(ActionInsert, "not json", nil)
	require.Error(t, err)
}

func TestNew_SelectsDecoderByName(t *testing.T) {
	d, err := New("test_decoding")
	require.NoError(t, err)
	require.Equal(t, "test_decoding", d.Name())

	d, err = New("wal2json")
	require.NoError(t, err)
	require.Equal(t, "wal2json", d.Name())

	_, err = New("pgoutput")
	require.Error(t, err)
}
