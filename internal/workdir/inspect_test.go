package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInspect_NonexistentDirectory(t *testing.T) {
	p := &Paths{Root: filepath.Join(t.TempDir(), "missing")}

	st, err := p.Inspect()
	require.NoError(t, err)
	require.False(t, st.Exists)
}

func TestInspect_FreshlyInitializedDirectory(t *testing.T) {
	p, err := Init(t.TempDir(), false, false, "")
	require.NoError(t, err)

	st, err := p.Inspect()
	require.NoError(t, err)
	require.True(t, st.Exists)
	require.False(t, st.HasSchemaJSON)
	require.False(t, st.HasPreDump)
	require.False(t, st.HasPostDump)
	require.False(t, st.HasCDC)
	require.Equal(t, 0, st.RunEntries)
}

func TestInspect_ReportsProgressArtifacts(t *testing.T) {
	p, err := Init(t.TempDir(), false, false, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p.SchemaJSON(), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(p.PreDataDump(), []byte("dump"), 0o644))
	require.NoError(t, os.WriteFile(p.KeyDone("1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.CDCDir(), "1-0_1.json"), []byte("{}"), 0o644))

	st, err := p.Inspect()
	require.NoError(t, err)
	require.True(t, st.HasSchemaJSON)
	require.True(t, st.HasPreDump)
	require.False(t, st.HasPostDump)
	require.True(t, st.HasCDC)
	require.Equal(t, 1, st.RunEntries)
}
