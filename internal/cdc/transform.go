package cdc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb-go/internal/cdc/plugin"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

// Transformer is the transform stage: it consumes a segment's JSON
// envelope lines and renders exactly one SQL text line per envelope:
// BEGIN/COMMIT/KEEPALIVE/SWITCH as comments carrying their LSN metadata,
// DML as literal SQL text with identifier quoting and single-quote
// doubling applied.
type Transformer struct {
	dec   plugin.Decoder
	pkeys plugin.PKeyLookup
}

// NewTransformer creates a Transformer that decodes raw plugin payloads
// with dec, falling back to pkeys to split malformed UPDATE envelopes.
func NewTransformer(dec plugin.Decoder, pkeys plugin.PKeyLookup) *Transformer {
	return &Transformer{dec: dec, pkeys: pkeys}
}

// TransformFile reads newline-delimited Envelope JSON from r and writes one
// SQL line per envelope to w, in order. It returns the count of lines
// written, for diagnostics.
func (t *Transformer) TransformFile(r io.Reader, w io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	bw := bufio.NewWriter(w)

	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return n, fmt.Errorf("cdc: transform: parse envelope: %w", err)
		}
		sql, err := t.render(env)
		if err != nil {
			return n, fmt.Errorf("cdc: transform: render %s at %s: %w", env.Action, env.LSN, err)
		}
		if _, err := bw.WriteString(sql); err != nil {
			return n, err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// FollowSegments tails the JSON segment files the receive stage writes,
// rendering each envelope into the matching .sql segment as it arrives, so
// the apply stage can follow close behind. It moves to the next segment
// once the receiver has rotated past the current one, and resumes
// idempotently: a partially-rendered .sql segment is completed by skipping
// the envelopes already rendered (one SQL line per envelope makes the line
// count a cursor). Returns nil when ctx is cancelled.
func (t *Transformer) FollowSegments(ctx context.Context, paths *workdir.Paths, tli uint32, startLSN pglogrepl.LSN) error {
	segSize := readWALSegmentSize(paths)
	cur := segmentStart(startLSN, segSize)

	for {
		next, ok, err := t.followOne(ctx, paths, tli, cur)
		if err != nil {
			return fmt.Errorf("cdc: transform: segment %s: %w", cur, err)
		}
		if !ok {
			return nil
		}
		cur = next
	}
}

// followOne drains one JSON segment into its .sql counterpart. It returns
// the next segment's start LSN once the receiver has rotated past this one,
// or ok=false when ctx is cancelled.
func (t *Transformer) followOne(ctx context.Context, paths *workdir.Paths, tli uint32, seg pglogrepl.LSN) (pglogrepl.LSN, bool, error) {
	inPath := paths.CDCSegment(tli, seg.String(), "json")

	var in *os.File
	for in == nil {
		f, err := os.Open(inPath)
		switch {
		case err == nil:
			in = f
		case errors.Is(err, os.ErrNotExist):
			// The receiver either has not reached this segment yet or
			// skipped it entirely (quiet WAL ranges leave no file).
			if next, ok := nextSegmentFile(paths, tli, seg, "json"); ok {
				return next, true, nil
			}
			if !sleepCtx(ctx, tailPollInterval) {
				return 0, false, nil
			}
		default:
			return 0, false, err
		}
	}
	defer in.Close()

	outPath := paths.CDCSegment(tli, seg.String(), "sql")
	rendered, keep, err := countLines(outPath)
	if err != nil {
		return 0, false, err
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, false, err
	}
	defer out.Close()
	if err := out.Truncate(keep); err != nil {
		return 0, false, err
	}
	if _, err := out.Seek(keep, io.SeekStart); err != nil {
		return 0, false, err
	}
	w := bufio.NewWriter(out)

	tail := newTailReader(in)
	seen := 0
	for {
		line, ok, err := tail.next()
		if err != nil {
			return 0, false, err
		}
		if !ok {
			if next, ok2 := nextSegmentFile(paths, tli, seg, "json"); ok2 {
				return next, true, nil
			}
			if !sleepCtx(ctx, tailPollInterval) {
				return 0, false, nil
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		seen++
		if seen <= rendered {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return 0, false, fmt.Errorf("parse envelope: %w", err)
		}
		sql, err := t.render(env)
		if err != nil {
			return 0, false, fmt.Errorf("render %s at %s: %w", env.Action, env.LSN, err)
		}
		if _, err := w.WriteString(sql); err != nil {
			return 0, false, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return 0, false, err
		}
		// Flushed per line so apply sees each statement as soon as it is
		// rendered.
		if err := w.Flush(); err != nil {
			return 0, false, err
		}
	}
}

// countLines returns the number of complete lines in path and the byte
// offset just past the last one; 0, 0 when the file does not exist. A
// trailing line with no newline is an interrupted write: it is not
// counted, and the caller truncates to the returned offset so the
// re-rendered line does not land after the torn one.
func countLines(path string) (int, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	n := 0
	var offset int64
	r := bufio.NewReader(f)
	for {
		chunk, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return n, offset, nil
		}
		if err != nil {
			return 0, 0, err
		}
		n++
		offset += int64(len(chunk))
	}
}

func (t *Transformer) render(env Envelope) (string, error) {
	switch env.Action {
	case ActionBegin:
		return fmt.Sprintf("-- BEGIN xid=%d lsn=%s", env.XID, env.LSN), nil

	case ActionCommit:
		return fmt.Sprintf("-- COMMIT xid=%d lsn=%s commitLsn=%s", env.XID, env.LSN, env.CommitLSN), nil

	case ActionKeepalive:
		return fmt.Sprintf("-- KEEPALIVE lsn=%s ts=%s", env.LSN, env.Timestamp), nil

	case ActionSwitchWAL:
		return fmt.Sprintf("-- SWITCH WAL lsn=%s", env.LSN), nil

	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		change, err := t.dec.ParseDML(env.Action, env.Message, t.pkeys)
		if err != nil {
			return "", err
		}
		return renderDML(change)

	default:
		return "", fmt.Errorf("unsupported action %q", env.Action)
	}
}

func renderDML(c Change) (string, error) {
	qname := c.QualifiedName()
	switch c.Op {
	case ActionInsert:
		return renderInsert(qname, c.NewCols), nil
	case ActionUpdate:
		return renderUpdate(qname, c.OldCols, c.NewCols), nil
	case ActionDelete:
		return renderDelete(qname, c.OldCols), nil
	case ActionTruncate:
		return fmt.Sprintf("TRUNCATE ONLY %s;", qname), nil
	default:
		return "", fmt.Errorf("unsupported DML action %q", c.Op)
	}
}

func renderInsert(qname string, cols []ColumnValue) string {
	names := make([]string, len(cols))
	vals := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
		vals[i] = renderValue(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", qname, strings.Join(names, ", "), strings.Join(vals, ", "))
}

func renderUpdate(qname string, whereCols, setCols []ColumnValue) string {
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), renderValue(c))
	}
	wheres := make([]string, len(whereCols))
	for i, c := range whereCols {
		wheres[i] = renderWhereClause(c)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;", qname, strings.Join(sets, ", "), strings.Join(wheres, " AND "))
}

func renderDelete(qname string, whereCols []ColumnValue) string {
	wheres := make([]string, len(whereCols))
	for i, c := range whereCols {
		wheres[i] = renderWhereClause(c)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s;", qname, strings.Join(wheres, " AND "))
}

func renderWhereClause(c ColumnValue) string {
	if c.IsNull {
		return fmt.Sprintf("%s IS NULL", quoteIdent(c.Name))
	}
	return fmt.Sprintf("%s = %s", quoteIdent(c.Name), renderValue(c))
}

// renderValue renders one column value as SQL text: NULL for nulls, a
// verbatim B'...' literal for bit strings (already single-quoted by the
// plugin parser), the raw token for numeric and boolean types (which the
// plugins emit unquoted), and a single-quote-doubled string literal
// otherwise. parseColumnValue already unescaped doubled quotes once on the
// way in, so this doubles them back exactly once on the way out.
func renderValue(c ColumnValue) string {
	if c.IsNull {
		return "NULL"
	}
	if strings.HasPrefix(c.Value, "B'") {
		return c.Value
	}
	switch c.Type {
	case "smallint", "integer", "bigint", "oid", "real", "double precision", "numeric", "boolean":
		return c.Value
	}
	return quoteLiteral(c.Value)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
