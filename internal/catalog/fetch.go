package catalog

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FetchOptions controls FetchSchema's partitioning decision.
type FetchOptions struct {
	// SplitTablesLargerThan is a byte threshold; 0 disables partitioning.
	SplitTablesLargerThan int64
	Filter                *FilterSet
}

// FetchSchema enumerates the source's tables, indexes, constraints,
// sequences and attributes under the caller's already-imported snapshot
// transaction, applies the filter set, computes per-table partitioning and
// persists everything into the store. It must run once per run, under the
// same exported snapshot the table-copy workers will import.
func (s *Store) FetchSchema(ctx context.Context, src *pgxpool.Pool, opts FetchOptions) error {
	if opts.Filter != nil {
		if err := s.PersistFilters(ctx, opts.Filter); err != nil {
			return fmt.Errorf("catalog: persist filters: %w", err)
		}
	}

	tables, err := fetchTables(ctx, src)
	if err != nil {
		return fmt.Errorf("catalog: fetch tables: %w", err)
	}

	for i := range tables {
		if opts.Filter != nil && (opts.Filter.hasOID(tables[i].OID) || opts.Filter.hasName(tables[i].RestoreName)) {
			continue
		}
		attrs, err := fetchAttrs(ctx, src, tables[i].OID)
		if err != nil {
			return fmt.Errorf("catalog: fetch attrs for %s: %w", tables[i].QualifiedName(), err)
		}
		tables[i].Partitions = computePartitions(tables[i], attrs, opts.SplitTablesLargerThan)
		if err := s.InsertTable(ctx, tables[i], attrs); err != nil {
			return err
		}
	}

	indexes, err := fetchIndexes(ctx, src)
	if err != nil {
		return fmt.Errorf("catalog: fetch indexes: %w", err)
	}
	for _, idx := range indexes {
		filtered := opts.Filter != nil && opts.Filter.hasOID(idx.OID)
		if err := s.InsertIndex(ctx, idx, filtered); err != nil {
			return err
		}
	}

	sequences, err := fetchSequences(ctx, src)
	if err != nil {
		return fmt.Errorf("catalog: fetch sequences: %w", err)
	}
	for _, seq := range sequences {
		filtered := opts.Filter != nil && opts.Filter.hasOID(seq.OID)
		if err := s.insertSequence(ctx, seq, filtered); err != nil {
			return err
		}
	}

	return nil
}

func fetchTables(ctx context.Context, pool *pgxpool.Pool) ([]SourceTable, error) {
	rows, err := pool.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       GREATEST(c.reltuples, 0)::bigint AS reltuples,
		       pg_total_relation_size(c.oid) AS bytes
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY bytes DESC, c.oid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceTable
	for rows.Next() {
		var t SourceTable
		var oid uint32
		if err := rows.Scan(&oid, &t.Schema, &t.Name, &t.RowEstimate, &t.ByteSize); err != nil {
			return nil, err
		}
		t.OID = oid
		t.RestoreName = t.Schema + " " + t.Name
		out = append(out, t)
	}
	return out, rows.Err()
}

func fetchAttrs(ctx context.Context, pool *pgxpool.Pool, tableOID uint32) ([]Attr, error) {
	rows, err := pool.Query(ctx, `
		SELECT a.attnum, a.attname,
		       COALESCE((
		           SELECT true FROM pg_index i
		           WHERE i.indrelid = a.attrelid AND i.indisprimary
		             AND a.attnum = ANY(i.indkey)
		       ), false) AS is_pkey
		FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attr
	for rows.Next() {
		var a Attr
		if err := rows.Scan(&a.Num, &a.Name, &a.IsPkey); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func fetchIndexes(ctx context.Context, pool *pgxpool.Pool) ([]SourceIndex, error) {
	rows, err := pool.Query(ctx, `
		SELECT ic.oid, i.indrelid, n.nspname, ic.relname,
		       pg_get_indexdef(ic.oid),
		       COALESCE(con.oid, 0), COALESCE(con.conname, ''),
		       COALESCE(pg_get_constraintdef(con.oid), ''),
		       i.indisprimary, i.indisunique
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = ic.relnamespace
		LEFT JOIN pg_constraint con ON con.conindid = ic.oid
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY i.indrelid, ic.oid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceIndex
	for rows.Next() {
		var idx SourceIndex
		if err := rows.Scan(&idx.OID, &idx.TableOID, &idx.Schema, &idx.Name, &idx.Definition,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef,
			&idx.IsPrimary, &idx.IsUnique); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func fetchSequences(ctx context.Context, pool *pgxpool.Pool) ([]SourceSequence, error) {
	rows, err := pool.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname, COALESCE(d.refobjid, 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_depend d ON d.objid = c.oid AND d.deptype = 'a'
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.oid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceSequence
	for rows.Next() {
		var seq SourceSequence
		if err := rows.Scan(&seq.OID, &seq.Schema, &seq.Name, &seq.OwnerTableOID); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// computePartitions splits a table into N = ceil(size/threshold) numbered
// partitions when its byte size exceeds threshold and it has a primary key
// attribute. The partitions carry no Min/Max bounds, so they are copied as
// slices of a hash over ctid rather than as key ranges, and their row counts
// are not guaranteed to be equal. Returns a single whole-table "partition"
// otherwise.
func computePartitions(t SourceTable, attrs []Attr, threshold int64) []Partition {
	if threshold <= 0 || t.ByteSize <= threshold {
		return []Partition{{Number: 1, Min: "", Max: ""}}
	}

	var key string
	for _, a := range attrs {
		if a.IsPkey {
			key = a.Name
			break
		}
	}
	if key == "" {
		return []Partition{{Number: 1, Min: "", Max: ""}}
	}

	n := int(math.Ceil(float64(t.ByteSize) / float64(threshold)))
	if n < 2 {
		return []Partition{{Number: 1, Min: "", Max: ""}}
	}

	parts := make([]Partition, n)
	for i := 0; i < n; i++ {
		parts[i] = Partition{Number: i + 1}
	}
	return parts
}

// InsertTable records a retained table, its partitions and its attributes.
func (s *Store) InsertTable(ctx context.Context, t SourceTable, attrs []Attr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var partKey string
	if len(t.Partitions) > 1 {
		for _, a := range attrs {
			if a.IsPkey {
				partKey = a.Name
				break
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO s_table(oid, nspname, relname, reltuples, bytes, restore_name, part_key, part_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET reltuples=excluded.reltuples, bytes=excluded.bytes`,
		t.OID, t.Schema, t.Name, t.RowEstimate, t.ByteSize, t.RestoreName, partKey, len(t.Partitions))
	if err != nil {
		return fmt.Errorf("insert s_table %s: %w", t.QualifiedName(), err)
	}

	for _, p := range t.Partitions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO s_table_part(table_oid, part_number, part_min, part_max) VALUES (?, ?, ?, ?)`,
			t.OID, p.Number, p.Min, p.Max); err != nil {
			return err
		}
	}

	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO s_attr(table_oid, attnum, attname, is_pkey) VALUES (?, ?, ?, ?)`,
			t.OID, a.Num, a.Name, a.IsPkey); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertIndex records one index row, flagged when the filter set excludes it.
func (s *Store) InsertIndex(ctx context.Context, idx SourceIndex, filtered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO s_index(oid, table_oid, nspname, relname, definition,
		                     constraint_oid, constraint_name, constraint_def,
		                     is_primary, is_unique, filtered_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO NOTHING`,
		idx.OID, idx.TableOID, idx.Schema, idx.Name, idx.Definition,
		idx.ConstraintOID, idx.ConstraintName, idx.ConstraintDef,
		idx.IsPrimary, idx.IsUnique, filtered)
	return err
}

func (s *Store) insertSequence(ctx context.Context, seq SourceSequence, filtered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO s_sequence(oid, nspname, relname, owner_table_oid, filtered_out)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO NOTHING`,
		seq.OID, seq.Schema, seq.Name, seq.OwnerTableOID, filtered)
	return err
}
