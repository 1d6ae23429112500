package cdc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// ApplyState is the apply stage's lifecycle state.
type ApplyState int

const (
	ApplyWaitingForSentinel ApplyState = iota
	ApplyCatchup
	ApplyReachedEndpos
	ApplyStopped
)

func (s ApplyState) String() string {
	switch s {
	case ApplyWaitingForSentinel:
		return "waitingForSentinelApply"
	case ApplyCatchup:
		return "catchup"
	case ApplyReachedEndpos:
		return "reachedEndpos"
	case ApplyStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrEndposReached is returned by Applier.Run when replay has committed
// every transaction up to the configured endpos and stopped cleanly. It is
// a stop condition, not a failure; the CLI maps it to the normal-quit exit
// code.
var ErrEndposReached = errors.New("cdc: apply reached endpos")

// ApplyStats is passed to the onCommit callback once per committed source
// transaction, for metrics.Collector. The applier does not count rows or
// bytes, so both fields are always zero.
type ApplyStats struct {
	RowsApplied int64
	Applied     int64
}

// Applier is the apply stage: it waits for the sentinel's apply flag,
// then reads transformed .sql files line by line, executing DML in one
// target transaction per source transaction and advancing the replication
// origin atomically with each commit, so a crash cannot double-apply: on
// resume, blocks committing at or before the persisted replay position are
// scanned past without executing. Source transactions are never coalesced:
// the origin must advance in the same target transaction as the DML it
// covers, one for one.
type Applier struct {
	conn      *pgx.Conn
	paths     *workdir.Paths
	sent      *SentinelStore
	origin    string
	tli       uint32
	logger    zerolog.Logger
	onCommit  func(ApplyStats)
	onEnabled func()

	state   ApplyState
	segSize uint64
	curFile *os.File
	tail    *tailReader
	curPath string
	curSeg  pglogrepl.LSN

	// nextFileLSN names the segment file to open next; the file may not
	// exist yet while the transform stage catches up.
	nextFileLSN string
	// skipUntil is the resume cursor: while set, blocks whose commit
	// position is at or before it were applied by a previous run and are
	// dropped without executing.
	skipUntil string
	pending   []string

	inTx bool
	tx   pgx.Tx
}

// NewApplier creates an Applier against an already-open target connection
// conn (held for the applier's entire lifetime, since
// pg_replication_origin_session_setup is session-scoped).
func NewApplier(conn *pgx.Conn, paths *workdir.Paths, sent *SentinelStore, origin string, tli uint32, logger zerolog.Logger, onCommit func(ApplyStats)) *Applier {
	return &Applier{
		conn:     conn,
		paths:    paths,
		sent:     sent,
		origin:   origin,
		tli:      tli,
		logger:   logger.With().Str("component", "cdc-apply").Logger(),
		onCommit: onCommit,
		state:    ApplyWaitingForSentinel,
	}
}

// OnApplyEnabled registers a callback fired exactly once, the first time Run
// observes the sentinel's apply flag set, before it starts executing DML.
// Used by the orchestrator to confirm a just-requested EnableApply was
// actually observed before reporting the clone phase done.
func (a *Applier) OnApplyEnabled(fn func()) {
	a.onEnabled = fn
}

// Run blocks until apply reaches endpos (returning ErrEndposReached), is
// stopped, or ctx is cancelled (returning nil). startLSN is the replication
// origin's current position (where to open the first .sql file from).
func (a *Applier) Run(ctx context.Context, startLSN string, endpos string) error {
	if err := a.setupOrigin(ctx); err != nil {
		return err
	}
	a.segSize = readWALSegmentSize(a.paths)
	a.nextFileLSN = startLSN
	a.skipUntil = startLSN

	for {
		if ctx.Err() != nil {
			a.state = ApplyStopped
			return nil
		}
		if a.state == ApplyWaitingForSentinel {
			rec, err := a.sent.Get(ctx)
			if err != nil {
				return fmt.Errorf("cdc: apply: read sentinel: %w", err)
			}
			if !rec.ApplyEnabled {
				select {
				case <-time.After(500 * time.Millisecond):
					continue
				case <-ctx.Done():
					a.state = ApplyStopped
					return nil
				}
			}
			a.state = ApplyCatchup
			if a.onEnabled != nil {
				a.onEnabled()
			}
		}

		if a.curFile == nil {
			if err := a.openFileFor(a.nextFileLSN); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// The transform stage has not produced this segment
					// yet, or the stream skipped it entirely (the first
					// message can land past a boundary): jump ahead if a
					// later segment exists, otherwise wait.
					if parsed, perr := pglogrepl.ParseLSN(a.nextFileLSN); perr == nil {
						if next, ok := nextSegmentFile(a.paths, a.tli, segmentStart(parsed, a.segSize), "sql"); ok {
							a.nextFileLSN = next.String()
							continue
						}
					}
					if !sleepCtx(ctx, tailPollInterval) {
						a.state = ApplyStopped
						return nil
					}
					continue
				}
				return err
			}
		}

		line, ok, err := a.nextLine()
		if err != nil {
			return err
		}
		if !ok {
			// Current end of file. Once transform has moved on to a later
			// segment this one is complete; otherwise wait for more lines.
			if next, ok2 := nextSegmentFile(a.paths, a.tli, a.curSeg, "sql"); ok2 {
				if err := a.closeCurrentFile(); err != nil {
					return err
				}
				a.nextFileLSN = next.String()
				continue
			}
			if !sleepCtx(ctx, tailPollInterval) {
				a.state = ApplyStopped
				return nil
			}
			continue
		}

		done, err := a.applyLine(ctx, line, endpos)
		if err != nil {
			return fmt.Errorf("cdc: apply: %s: %w", line, err)
		}
		if done {
			a.state = ApplyReachedEndpos
			return ErrEndposReached
		}
	}
}

func (a *Applier) setupOrigin(ctx context.Context) error {
	if _, err := a.conn.Exec(ctx, fmt.Sprintf(
		"SELECT pg_replication_origin_create(%s) WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = %s)",
		quoteLiteral(a.origin), quoteLiteral(a.origin))); err != nil {
		return fmt.Errorf("cdc: apply: create replication origin: %w", err)
	}
	if _, err := a.conn.Exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_session_setup(%s)", quoteLiteral(a.origin))); err != nil {
		return fmt.Errorf("cdc: apply: session setup replication origin: %w", err)
	}
	return nil
}

// openFileFor opens the .sql segment containing lsn, reading from its
// start; the resume cursor makes re-reading the segment's head harmless.
func (a *Applier) openFileFor(lsn string) error {
	parsed, err := pglogrepl.ParseLSN(lsn)
	if err != nil {
		return fmt.Errorf("parse segment lsn %q: %w", lsn, err)
	}
	seg := segmentStart(parsed, a.segSize)
	path := a.paths.CDCSegment(a.tli, seg.String(), "sql")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sql segment %s: %w", path, err)
	}
	a.curFile = f
	a.curPath = path
	a.curSeg = seg
	a.tail = newTailReader(f)
	return nil
}

func (a *Applier) nextLine() (string, bool, error) {
	return a.tail.next()
}

// applyLine executes one transformed SQL line, returning done=true once
// endpos is reached after a commit. While the resume cursor is set, lines
// are routed through resumeLine instead of being executed.
func (a *Applier) applyLine(ctx context.Context, line string, endpos string) (bool, error) {
	switch {
	case strings.HasPrefix(line, "-- SWITCH WAL"):
		lsn, err := parseSwitchWALComment(line)
		if err != nil {
			return false, err
		}
		parsed, err := pglogrepl.ParseLSN(lsn)
		if err != nil {
			return false, fmt.Errorf("parse switch lsn %q: %w", lsn, err)
		}
		if segmentStart(parsed, a.segSize) == a.curSeg {
			// The receiver writes the switch marker at the head of the new
			// segment, so by the time apply reads it the right file is
			// already open.
			return false, nil
		}
		if err := a.closeCurrentFile(); err != nil {
			return false, err
		}
		a.nextFileLSN = lsn
		return false, nil

	case strings.TrimSpace(line) == "":
		return false, nil
	}

	if a.skipUntil != "" {
		return a.resumeLine(ctx, line, endpos)
	}

	switch {
	case strings.HasPrefix(line, "-- BEGIN"):
		tx, err := a.conn.Begin(ctx)
		if err != nil {
			return false, fmt.Errorf("begin target transaction: %w", err)
		}
		a.tx = tx
		a.inTx = true
		return false, nil

	case strings.HasPrefix(line, "-- COMMIT"):
		_, _, commitLSN, err := parseCommitComment(line)
		if err != nil {
			return false, err
		}
		if a.tx != nil {
			if _, err := a.tx.Exec(ctx, fmt.Sprintf(
				"SELECT pg_replication_origin_xact_setup(%s, now())", quoteLiteral(commitLSN))); err != nil {
				return false, fmt.Errorf("set origin xact position: %w", err)
			}
			if err := a.tx.Commit(ctx); err != nil {
				return false, fmt.Errorf("commit target transaction: %w", err)
			}
		}
		a.tx = nil
		a.inTx = false

		if err := a.sent.UpdateReplay(ctx, commitLSN); err != nil {
			a.logger.Err(err).Msg("update sentinel replay_lsn")
		}
		if a.onCommit != nil {
			a.onCommit(ApplyStats{})
		}
		return a.reachedEndpos(commitLSN, endpos), nil

	case strings.HasPrefix(line, "-- KEEPALIVE"):
		lsn, err := parseKeepaliveComment(line)
		if err != nil {
			return false, err
		}
		if err := a.advanceOriginTo(ctx, lsn); err != nil {
			return false, err
		}
		return a.reachedEndpos(lsn, endpos), nil

	default:
		if !a.inTx {
			return false, fmt.Errorf("DML line outside a transaction: %q", line)
		}
		if _, err := a.tx.Exec(ctx, line); err != nil {
			return false, fmt.Errorf("execute %q: %w", line, err)
		}
		return false, nil
	}
}

// resumeLine consumes lines while catching up to the resume cursor. A
// segment is always read from its start, so after a crash the scan revisits
// transactions committed before the crash: their DML is buffered, never
// executed, and the whole block is dropped once its commit position proves
// it is at or before skipUntil. The first block past the cursor is replayed
// from the buffer and normal streaming takes over.
func (a *Applier) resumeLine(ctx context.Context, line string, endpos string) (bool, error) {
	switch {
	case strings.HasPrefix(line, "-- BEGIN"):
		a.pending = a.pending[:0]
		return false, nil

	case strings.HasPrefix(line, "-- COMMIT"):
		_, _, commitLSN, err := parseCommitComment(line)
		if err != nil {
			return false, err
		}
		if compareLSNText(commitLSN, a.skipUntil) <= 0 {
			// Applied by the previous run; drop it.
			a.pending = a.pending[:0]
			return false, nil
		}
		if err := a.replayBuffered(ctx, commitLSN); err != nil {
			return false, err
		}
		a.skipUntil = ""
		return a.reachedEndpos(commitLSN, endpos), nil

	case strings.HasPrefix(line, "-- KEEPALIVE"):
		lsn, err := parseKeepaliveComment(line)
		if err != nil {
			return false, err
		}
		if compareLSNText(lsn, a.skipUntil) <= 0 {
			return false, nil
		}
		a.skipUntil = ""
		a.pending = a.pending[:0]
		if err := a.advanceOriginTo(ctx, lsn); err != nil {
			return false, err
		}
		return a.reachedEndpos(lsn, endpos), nil

	default:
		a.pending = append(a.pending, line)
		return false, nil
	}
}

// replayBuffered applies the one transaction that straddles the resume
// cursor: every statement buffered since its BEGIN, committed with the
// origin advanced in the same target transaction, exactly as the streaming
// path does.
func (a *Applier) replayBuffered(ctx context.Context, commitLSN string) error {
	tx, err := a.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin target transaction: %w", err)
	}
	for _, stmt := range a.pending {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"SELECT pg_replication_origin_xact_setup(%s, now())", quoteLiteral(commitLSN))); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("set origin xact position: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit target transaction: %w", err)
	}
	a.pending = nil

	if err := a.sent.UpdateReplay(ctx, commitLSN); err != nil {
		a.logger.Err(err).Msg("update sentinel replay_lsn")
	}
	if a.onCommit != nil {
		a.onCommit(ApplyStats{})
	}
	return nil
}

// advanceOriginTo moves the replication origin outside any transaction, for
// keepalives that carry no DML.
func (a *Applier) advanceOriginTo(ctx context.Context, lsn string) error {
	if _, err := a.conn.Exec(ctx, fmt.Sprintf(
		"SELECT pg_replication_origin_advance(%s, %s)", quoteLiteral(a.origin), quoteLiteral(lsn))); err != nil {
		return fmt.Errorf("advance replication origin: %w", err)
	}
	if err := a.sent.UpdateReplay(ctx, lsn); err != nil {
		a.logger.Err(err).Msg("update sentinel replay_lsn")
	}
	return nil
}

func (a *Applier) reachedEndpos(replayLSN, endpos string) bool {
	if endpos == "" {
		return false
	}
	return compareLSNText(replayLSN, endpos) >= 0
}

func (a *Applier) closeCurrentFile() error {
	if a.curFile == nil {
		return nil
	}
	err := a.curFile.Close()
	a.curFile = nil
	a.tail = nil
	return err
}

// Close closes the segment file the applier is reading. The target
// connection passed to NewApplier is left open; it belongs to the caller.
func (a *Applier) Close() error {
	return a.closeCurrentFile()
}

func parseCommitComment(line string) (xid uint32, lsn, commitLSN string, err error) {
	fields := strings.Fields(line)
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "xid="):
			n, e := strconv.ParseUint(strings.TrimPrefix(f, "xid="), 10, 32)
			if e != nil {
				return 0, "", "", fmt.Errorf("parse commit comment %q: %w", line, e)
			}
			xid = uint32(n)
		case strings.HasPrefix(f, "lsn="):
			lsn = strings.TrimPrefix(f, "lsn=")
		case strings.HasPrefix(f, "commitLsn="):
			commitLSN = strings.TrimPrefix(f, "commitLsn=")
		}
	}
	if commitLSN == "" {
		return 0, "", "", fmt.Errorf("malformed COMMIT comment, missing commitLsn: %q", line)
	}
	return xid, lsn, commitLSN, nil
}

func parseKeepaliveComment(line string) (string, error) {
	fields := strings.Fields(line)
	for _, f := range fields {
		if strings.HasPrefix(f, "lsn=") {
			return strings.TrimPrefix(f, "lsn="), nil
		}
	}
	return "", fmt.Errorf("malformed KEEPALIVE comment, missing lsn: %q", line)
}

func parseSwitchWALComment(line string) (string, error) {
	fields := strings.Fields(line)
	for _, f := range fields {
		if strings.HasPrefix(f, "lsn=") {
			return strings.TrimPrefix(f, "lsn="), nil
		}
	}
	return "", fmt.Errorf("malformed SWITCH WAL comment, missing lsn: %q", line)
}

// compareLSNText compares two "X/X"-formatted LSNs textually by parsing
// each half as hex, returning -1/0/1 like strings.Compare.
func compareLSNText(a, b string) int {
	ah, al := splitLSN(a)
	bh, bl := splitLSN(b)
	if ah != bh {
		if ah < bh {
			return -1
		}
		return 1
	}
	switch {
	case al < bl:
		return -1
	case al > bl:
		return 1
	default:
		return 0
	}
}

func splitLSN(s string) (hi, lo uint64) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	h, _ := strconv.ParseUint(parts[0], 16, 64)
	l, _ := strconv.ParseUint(parts[1], 16, 64)
	return h, l
}
