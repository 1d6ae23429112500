package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel is the cross-process, source-resident control record: the
// replay progress cursor and the apply-enable flag,
// stored in a dedicated schema on the source so any participant (receive,
// apply, the orchestrator, the CLI) can read or advance it, plus a local
// JSON cache for processes that only need their own last-seen copy.
//
// The store only ever sets ApplyEnabled to true, never back to false. It
// does not check the ordering of the LSN cursors: each update stores the
// value it is given.
type Sentinel struct {
	StartLSN     string `json:"startpos"`
	EndLSN       string `json:"endpos,omitempty"`
	WriteLSN     string `json:"write_lsn"`
	FlushLSN     string `json:"flush_lsn"`
	ReplayLSN    string `json:"replay_lsn"`
	ApplyEnabled bool   `json:"apply"`
}

const sentinelSchema = "pgcdb"
const sentinelTable = sentinelSchema + ".sentinel"

// SentinelStore persists a Sentinel both on the source (the record every
// participant reads) and as a local JSON cache at cachePath, written with
// fsync-then-rename so a crash never leaves a torn cache file.
type SentinelStore struct {
	source    *pgxpool.Pool
	cachePath string

	mu sync.Mutex
}

// NewSentinelStore creates a SentinelStore backed by source and cached at
// cachePath (typically Paths.CDCLSNJSON()).
func NewSentinelStore(source *pgxpool.Pool, cachePath string) *SentinelStore {
	return &SentinelStore{source: source, cachePath: cachePath}
}

// Init creates the sentinel schema/table and inserts the initial record if
// none exists, called when the replication slot is first created. startLSN
// is the slot's reported consistent point.
func (s *SentinelStore) Init(ctx context.Context, startLSN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.source.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", sentinelSchema)); err != nil {
		return fmt.Errorf("cdc: create sentinel schema: %w", err)
	}
	if _, err := s.source.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id bool PRIMARY KEY DEFAULT true,
			startpos text NOT NULL,
			endpos text,
			write_lsn text NOT NULL,
			flush_lsn text NOT NULL,
			replay_lsn text NOT NULL,
			apply bool NOT NULL DEFAULT false,
			CHECK (id)
		)`, sentinelTable)); err != nil {
		return fmt.Errorf("cdc: create sentinel table: %w", err)
	}

	var exists bool
	if err := s.source.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", sentinelTable)).Scan(&exists); err != nil {
		return fmt.Errorf("cdc: check sentinel row: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := s.source.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (startpos, write_lsn, flush_lsn, replay_lsn, apply) VALUES ($1, $1, $1, $1, false)",
		sentinelTable), startLSN); err != nil {
		return fmt.Errorf("cdc: insert initial sentinel row: %w", err)
	}
	return s.writeCache(Sentinel{StartLSN: startLSN, WriteLSN: startLSN, FlushLSN: startLSN, ReplayLSN: startLSN})
}

// Get reads the current sentinel record from the source.
func (s *SentinelStore) Get(ctx context.Context) (Sentinel, error) {
	var rec Sentinel
	var endpos *string
	err := s.source.QueryRow(ctx, fmt.Sprintf(
		"SELECT startpos, endpos, write_lsn, flush_lsn, replay_lsn, apply FROM %s", sentinelTable)).
		Scan(&rec.StartLSN, &endpos, &rec.WriteLSN, &rec.FlushLSN, &rec.ReplayLSN, &rec.ApplyEnabled)
	if err != nil {
		return Sentinel{}, fmt.Errorf("cdc: read sentinel: %w", err)
	}
	if endpos != nil {
		rec.EndLSN = *endpos
	}
	return rec, nil
}

// SetEndpos sets the LSN at which apply should cleanly stop.
func (s *SentinelStore) SetEndpos(ctx context.Context, endpos string) error {
	_, err := s.source.Exec(ctx, fmt.Sprintf("UPDATE %s SET endpos = $1", sentinelTable), endpos)
	return err
}

// UpdateWriteFlush records receive's progress: the highest LSN written to a
// segment file and the highest fsync'd LSN. It never touches replay_lsn,
// which belongs to apply. Values must be monotonic; callers are responsible
// for only ever moving forward.
func (s *SentinelStore) UpdateWriteFlush(ctx context.Context, write, flush string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.source.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET write_lsn = $1, flush_lsn = $2", sentinelTable),
		write, flush); err != nil {
		return fmt.Errorf("cdc: update sentinel write/flush: %w", err)
	}
	return s.refreshCache(ctx)
}

// UpdateReplay records apply's progress after a commit or keepalive. It
// never touches write_lsn/flush_lsn, which belong to receive.
func (s *SentinelStore) UpdateReplay(ctx context.Context, replay string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.source.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET replay_lsn = $1", sentinelTable), replay); err != nil {
		return fmt.Errorf("cdc: update sentinel replay: %w", err)
	}
	return s.refreshCache(ctx)
}

func (s *SentinelStore) refreshCache(ctx context.Context) error {
	rec, err := s.Get(ctx)
	if err != nil {
		return err
	}
	return s.writeCache(rec)
}

// EnableApply flips ApplyEnabled false->true exactly once, called at the
// end of the clone when follow mode is requested. Flipping an
// already-enabled sentinel is a no-op, not an error.
func (s *SentinelStore) EnableApply(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.source.Exec(ctx, fmt.Sprintf("UPDATE %s SET apply = true WHERE NOT apply", sentinelTable))
	return err
}

// Cached returns the last locally-cached sentinel snapshot, for a process
// (e.g. receive after a reconnect) that wants its own last-written position
// without round-tripping to the source.
func (s *SentinelStore) Cached() (Sentinel, error) {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return Sentinel{}, err
	}
	var rec Sentinel
	if err := json.Unmarshal(data, &rec); err != nil {
		return Sentinel{}, fmt.Errorf("cdc: parse cached sentinel: %w", err)
	}
	return rec, nil
}

func (s *SentinelStore) writeCache(rec Sentinel) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.cachePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("cdc: write sentinel cache: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("cdc: write sentinel cache: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cdc: fsync sentinel cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cdc: write sentinel cache: %w", err)
	}
	return os.Rename(tmp, s.cachePath)
}
