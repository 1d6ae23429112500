package cdc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// defaultWALSegmentSize matches Postgres's default --wal-segsize.
const defaultWALSegmentSize = 16 << 20

// tailPollInterval is how long the transform and apply stages wait at a
// temporary end-of-file before re-checking for more lines or a new segment.
const tailPollInterval = 200 * time.Millisecond

// segmentStart rounds lsn down to the start of its WAL segment.
func segmentStart(lsn pglogrepl.LSN, segSize uint64) pglogrepl.LSN {
	if segSize == 0 {
		segSize = defaultWALSegmentSize
	}
	return pglogrepl.LSN(uint64(lsn) / segSize * segSize)
}

// readWALSegmentSize reads the segment size the receive stage recorded in
// the work directory, falling back to the Postgres default when the file is
// missing (transform/apply may start before receive has connected).
func readWALSegmentSize(paths *workdir.Paths) uint64 {
	data, err := os.ReadFile(paths.CDCWALSegmentSize())
	if err != nil {
		return defaultWALSegmentSize
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n == 0 {
		return defaultWALSegmentSize
	}
	return n
}

// parseSegmentFilename recovers the segment-start LSN from a
// "<tli>-<X_X>.<ext>" CDC segment filename.
func parseSegmentFilename(name string, tli uint32, ext string) (pglogrepl.LSN, bool) {
	prefix := fmt.Sprintf("%d-", tli)
	suffix := "." + ext
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	mid := name[len(prefix) : len(name)-len(suffix)]
	lsn, err := pglogrepl.ParseLSN(strings.ReplaceAll(mid, "_", "/"))
	if err != nil {
		return 0, false
	}
	return lsn, true
}

// nextSegmentFile returns the start LSN of the earliest on-disk segment
// file strictly after cur, so a tailing reader can advance once the
// previous stage has rotated away from the file being drained. The
// receiver finishes a segment before creating its successor, so the
// existence of a later file means the current one is complete.
func nextSegmentFile(paths *workdir.Paths, tli uint32, cur pglogrepl.LSN, ext string) (pglogrepl.LSN, bool) {
	entries, err := os.ReadDir(paths.CDCDir())
	if err != nil {
		return 0, false
	}
	var best pglogrepl.LSN
	found := false
	for _, e := range entries {
		lsn, ok := parseSegmentFilename(e.Name(), tli, ext)
		if !ok || lsn <= cur {
			continue
		}
		if !found || lsn < best {
			best = lsn
			found = true
		}
	}
	return best, found
}

// tailReader reads newline-terminated lines from a file another stage is
// still appending to: a read that ends mid-line is buffered until the rest
// arrives.
type tailReader struct {
	r       *bufio.Reader
	partial strings.Builder
}

func newTailReader(f *os.File) *tailReader {
	return &tailReader{r: bufio.NewReader(f)}
}

// next returns the next complete line, without its newline. ok is false at
// the current end of file; the caller decides whether to wait or advance.
func (t *tailReader) next() (string, bool, error) {
	chunk, err := t.r.ReadString('\n')
	t.partial.WriteString(chunk)
	if err == nil {
		line := strings.TrimSuffix(t.partial.String(), "\n")
		t.partial.Reset()
		return line, true, nil
	}
	if errors.Is(err, io.EOF) {
		return "", false, nil
	}
	return "", false, err
}

// sleepCtx waits d, returning false early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
