package cdc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

func testPaths(t *testing.T) *workdir.Paths {
	t.Helper()
	paths, err := workdir.Init(filepath.Join(t.TempDir(), "wd"), false, false, "test")
	require.NoError(t, err)
	return paths
}

func TestSegmentStart(t *testing.T) {
	require.Equal(t, pglogrepl.LSN(0), segmentStart(pglogrepl.LSN(5), 16<<20))
	require.Equal(t, pglogrepl.LSN(16<<20), segmentStart(pglogrepl.LSN(16<<20), 16<<20))
	require.Equal(t, pglogrepl.LSN(16<<20), segmentStart(pglogrepl.LSN(16<<20+123), 16<<20))
	require.Equal(t, pglogrepl.LSN(0), segmentStart(pglogrepl.LSN(5), 0))
}

func TestParseSegmentFilename(t *testing.T) {
	lsn, ok := parseSegmentFilename("1-0_1000000.json", 1, "json")
	require.True(t, ok)
	require.Equal(t, pglogrepl.LSN(0x1000000), lsn)

	_, ok = parseSegmentFilename("2-0_1000000.json", 1, "json")
	require.False(t, ok)
	_, ok = parseSegmentFilename("1-0_1000000.sql", 1, "json")
	require.False(t, ok)
	_, ok = parseSegmentFilename("latest", 1, "json")
	require.False(t, ok)
}

func TestNextSegmentFile(t *testing.T) {
	paths := testPaths(t)

	for _, lsn := range []pglogrepl.LSN{0, 16 << 20, 48 << 20} {
		f, err := os.Create(paths.CDCSegment(1, lsn.String(), "json"))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	next, ok := nextSegmentFile(paths, 1, 0, "json")
	require.True(t, ok)
	require.Equal(t, pglogrepl.LSN(16<<20), next)

	// A skipped segment range is jumped over, not waited on.
	next, ok = nextSegmentFile(paths, 1, pglogrepl.LSN(16<<20), "json")
	require.True(t, ok)
	require.Equal(t, pglogrepl.LSN(48<<20), next)

	_, ok = nextSegmentFile(paths, 1, pglogrepl.LSN(48<<20), "json")
	require.False(t, ok)

	_, ok = nextSegmentFile(paths, 1, 0, "sql")
	require.False(t, ok)
}

func TestReadWALSegmentSize(t *testing.T) {
	paths := testPaths(t)
	require.Equal(t, uint64(defaultWALSegmentSize), readWALSegmentSize(paths))

	require.NoError(t, os.WriteFile(paths.CDCWALSegmentSize(), []byte("1048576\n"), 0o644))
	require.Equal(t, uint64(1<<20), readWALSegmentSize(paths))

	require.NoError(t, os.WriteFile(paths.CDCWALSegmentSize(), []byte("garbage"), 0o644))
	require.Equal(t, uint64(defaultWALSegmentSize), readWALSegmentSize(paths))
}

func TestTailReader_CompletesPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer w.Close()

	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()
	tail := newTailReader(r)

	_, err = w.WriteString("first line\nsecond ")
	require.NoError(t, err)

	line, ok, err := tail.next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first line", line)

	// Mid-line end of file: not a line yet.
	_, ok, err = tail.next()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = w.WriteString("half\n")
	require.NoError(t, err)

	line, ok, err = tail.next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second half", line)
}
