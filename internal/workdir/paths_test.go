package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "run")

	p, err := Init(root, false, false, "")
	require.NoError(t, err)

	for _, d := range []string{p.Root, p.SchemaDir(), p.RunDir(), p.CDCDir()} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestInit_RestartWipesExisting(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "run")

	p, err := Init(root, false, false, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.SchemaJSON(), []byte("{}"), 0o644))

	p2, err := Init(root, true, false, "")
	require.NoError(t, err)
	_, statErr := os.Stat(p2.SchemaJSON())
	require.True(t, os.IsNotExist(statErr))
}

func TestInit_ResumeRequiresExistingDir(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "missing")

	_, err := Init(root, false, true, "")
	require.Error(t, err)
}

func TestInit_RestartAndResumeRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir, true, true, "")
	require.Error(t, err)
}

func TestCDCSegment_SanitizesLSN(t *testing.T) {
	p := &Paths{Root: "/tmp/x"}
	got := p.CDCSegment(1, "16/B374D848", "json")
	require.Equal(t, filepath.Join("/tmp/x", "cdc", "1-16_B374D848.json"), got)
}

func TestRunLockAndDone(t *testing.T) {
	p := &Paths{Root: "/tmp/x"}
	require.Equal(t, filepath.Join("/tmp/x", "run", "42"), p.RunLock(42))
	require.Equal(t, filepath.Join("/tmp/x", "run", "42.done"), p.RunDone(42))
}
