package cdc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/cdc/plugin"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// ReceiveConfig holds the knobs for the receive stage.
type ReceiveConfig struct {
	SlotName    string
	Publication string
	Plugin      string // "test_decoding" or "wal2json"
	Timeline    uint32
	// SegmentSize is the WAL segment size in bytes used to decide when to
	// rotate the current segment file; defaults to 16MiB, matching
	// Postgres's default --wal-segsize.
	SegmentSize uint64
	// ReconnectBackoff is the delay before retrying a dropped replication
	// connection. Only transient source errors are retried.
	ReconnectBackoff time.Duration
}

func (c ReceiveConfig) segmentSize() uint64 {
	if c.SegmentSize > 0 {
		return c.SegmentSize
	}
	return 16 << 20
}

func (c ReceiveConfig) backoff() time.Duration {
	if c.ReconnectBackoff > 0 {
		return c.ReconnectBackoff
	}
	return time.Second
}

// Receiver is the receive stage: it streams a logical-decoding
// replication connection, classifies each message via a plugin.Decoder, and
// appends one JSON Envelope line per message to the current WAL-segment
// file, rotating files at segment boundaries. The WAL payload is handed to
// the plugin.Decoder as opaque text, never parsed as pgoutput's binary
// tuple format.
type Receiver struct {
	dsn    string
	paths  *workdir.Paths
	cfg    ReceiveConfig
	dec    plugin.Decoder
	pkeys  plugin.PKeyLookup
	sent   *SentinelStore
	logger zerolog.Logger

	curSegment uint64
	curFile    *os.File
	curWriter  *bufio.Writer
}

// NewReceiver creates a Receiver that connects to dsn (which must already
// carry replication=database) and streams slot cfg.SlotName.
func NewReceiver(dsn string, paths *workdir.Paths, cfg ReceiveConfig, dec plugin.Decoder, pkeys plugin.PKeyLookup, sent *SentinelStore, logger zerolog.Logger) *Receiver {
	return &Receiver{
		dsn:    dsn,
		paths:  paths,
		cfg:    cfg,
		dec:    dec,
		pkeys:  pkeys,
		sent:   sent,
		logger: logger.With().Str("component", "cdc-receive").Logger(),
	}
}

// Run streams from startLSN until ctx is cancelled, reconnecting with
// backoff on transient I/O errors. It returns nil only when
// ctx is cancelled; any permanent source error (invalid slot, etc.) is
// returned directly.
func (r *Receiver) Run(ctx context.Context, startLSN pglogrepl.LSN) error {
	defer r.closeCurrentSegment()

	if err := r.writeStreamMetadata(); err != nil {
		return fmt.Errorf("cdc: receive: %w", err)
	}

	pos := startLSN
	for {
		if ctx.Err() != nil {
			return nil
		}
		lastPos, err := r.runOnce(ctx, pos)
		if lastPos > pos {
			pos = lastPos
		}
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if isPermanentSourceError(err) {
			return fmt.Errorf("cdc: receive: %w", err)
		}
		r.logger.Warn().Err(err).Stringer("resume_from", pos).Msg("replication stream disconnected, reconnecting")
		select {
		case <-time.After(r.cfg.backoff()):
		case <-ctx.Done():
			return nil
		}
	}
}

// writeStreamMetadata records the timeline and WAL segment size under the
// work directory, where the transform and apply stages read them to derive
// segment file names.
func (r *Receiver) writeStreamMetadata() error {
	tli := strconv.FormatUint(uint64(r.cfg.Timeline), 10)
	if err := os.WriteFile(r.paths.CDCTLI(), []byte(tli+"\n"), 0o644); err != nil {
		return err
	}
	size := strconv.FormatUint(r.cfg.segmentSize(), 10)
	if err := os.WriteFile(r.paths.CDCWALSegmentSize(), []byte(size+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(r.paths.CDCSlot(), []byte(r.cfg.SlotName+"\n"), 0o644); err != nil {
		return err
	}
	return nil
}

func isPermanentSourceError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42704 undefined_object covers "replication slot does not exist".
		return pgErr.Code == "42704"
	}
	return false
}

func (r *Receiver) runOnce(ctx context.Context, startLSN pglogrepl.LSN) (pglogrepl.LSN, error) {
	conn, err := pgconn.Connect(ctx, r.dsn)
	if err != nil {
		return startLSN, fmt.Errorf("connect replication conn: %w", err)
	}
	defer conn.Close(ctx)

	slot := r.cfg.SlotName
	if err := pglogrepl.StartReplication(ctx, conn, slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginStartArgs(r.cfg.Plugin),
	}); err != nil {
		return startLSN, fmt.Errorf("start replication: %w", err)
	}

	confirmed := startLSN
	lastStatus := time.Now()
	standbyInterval := time.Second

	for {
		if ctx.Err() != nil {
			return confirmed, nil
		}

		if time.Since(lastStatus) >= standbyInterval {
			if err := r.sendStatus(ctx, conn, confirmed); err != nil {
				r.logger.Err(err).Msg("send standby status failed")
			}
			lastStatus = time.Now()
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(2*time.Second))
		raw, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return confirmed, nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return confirmed, fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := raw.(*pgproto3.ErrorResponse); ok {
			return confirmed, fmt.Errorf("server error: %s (SQLSTATE %s)", errResp.Message, errResp.Code)
		}

		cd, ok := raw.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse keepalive")
				continue
			}
			if pkm.ReplyRequested {
				if err := r.sendStatus(ctx, conn, confirmed); err != nil {
					r.logger.Err(err).Msg("send standby status (reply) failed")
				}
				lastStatus = time.Now()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			walLSN := pglogrepl.LSN(xld.WALStart)
			if err := r.handleWALData(ctx, walLSN, string(xld.WALData)); err != nil {
				return confirmed, fmt.Errorf("handle wal data at %s: %w", walLSN, err)
			}
			confirmed = walLSN
		}
	}
}

func pluginStartArgs(name string) []string {
	switch name {
	case "wal2json":
		return []string{"format-version '2'", "include-xids 'on'", "include-timestamp 'on'"}
	default:
		return []string{"include-xids 'on'", "include-timestamp 'on'"}
	}
}

func (r *Receiver) sendStatus(ctx context.Context, conn *pgconn.PgConn, lsn pglogrepl.LSN) error {
	// The apply position reported upstream mirrors the sentinel's
	// replay_lsn, which apply owns; the receiver only vouches for what it
	// has written and flushed.
	replay := lsn
	if r.sent != nil {
		if rec, err := r.sent.Cached(); err == nil {
			if rl, perr := pglogrepl.ParseLSN(rec.ReplayLSN); perr == nil {
				replay = rl
			}
		}
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: replay,
	}); err != nil {
		return err
	}
	if r.sent != nil {
		s := lsn.String()
		if err := r.sent.UpdateWriteFlush(ctx, s, s); err != nil {
			r.logger.Err(err).Msg("update sentinel write/flush")
		}
	}
	return nil
}

// handleWALData classifies one WAL payload, filters out the system's own
// metadata schema, and appends the resulting Envelope to the current
// segment file, rotating first if lsn has crossed into a new WAL segment.
func (r *Receiver) handleWALData(ctx context.Context, lsn pglogrepl.LSN, raw string) error {
	action, ok := r.dec.ParseAction(raw)
	if !ok {
		return nil
	}

	if err := r.rotateIfNeeded(lsn); err != nil {
		return err
	}

	env := Envelope{Action: action, LSN: lsn.String(), Timestamp: time.Now().UTC().Format("2006-01-02 15:04:05.000000-07:00")}

	switch action {
	case ActionBegin:
		xid, _, _, err := r.dec.ParseHeader(action, raw)
		if err != nil {
			return err
		}
		env.XID = xid
		env.Message = raw

	case ActionCommit:
		xid, _, _, err := r.dec.ParseHeader(action, raw)
		if err != nil {
			return err
		}
		env.XID = xid
		env.CommitLSN = lsn.String()
		env.Message = raw

	default:
		_, schema, _, err := r.dec.ParseHeader(action, raw)
		if err != nil {
			return err
		}
		if schema == sentinelSchema {
			return nil // changes to our own metadata schema never replicate
		}
		env.Message = raw
	}

	return r.writeEnvelope(env)
}

func (r *Receiver) rotateIfNeeded(lsn pglogrepl.LSN) error {
	segment := uint64(lsn) / r.cfg.segmentSize()
	if r.curFile != nil && segment == r.curSegment {
		return nil
	}

	if err := r.closeCurrentSegment(); err != nil {
		return err
	}

	segStart := segment * r.cfg.segmentSize()
	path := r.paths.CDCSegment(r.cfg.Timeline, pglogrepl.LSN(segStart).String(), "json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open cdc segment %s: %w", path, err)
	}

	r.curFile = f
	r.curWriter = bufio.NewWriter(f)
	r.curSegment = segment

	if err := r.writeEnvelope(Envelope{Action: ActionSwitchWAL, LSN: lsn.String(), Timestamp: time.Now().UTC().Format(time.RFC3339)}); err != nil {
		return err
	}

	return r.relinkLatest(path)
}

func (r *Receiver) relinkLatest(path string) error {
	link := r.paths.CDCLatestLink()
	_ = os.Remove(link)
	rel, err := filepath.Rel(filepath.Dir(link), path)
	if err != nil {
		rel = path
	}
	return os.Symlink(rel, link)
}

func (r *Receiver) writeEnvelope(env Envelope) error {
	if r.curWriter == nil {
		return fmt.Errorf("cdc: no open segment file")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := r.curWriter.Write(data); err != nil {
		return err
	}
	if err := r.curWriter.WriteByte('\n'); err != nil {
		return err
	}
	return r.curWriter.Flush()
}

func (r *Receiver) closeCurrentSegment() error {
	if r.curFile == nil {
		return nil
	}
	if r.curWriter != nil {
		_ = r.curWriter.Flush()
	}
	err := r.curFile.Close()
	r.curFile = nil
	r.curWriter = nil
	return err
}
