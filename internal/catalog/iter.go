package catalog

import (
	"context"
	"database/sql"
	"errors"
)

// IterTables calls cb for every retained table, largest-first by byte size
// (ties broken by OID ascending), the order the copy scheduler wants.
func (s *Store) IterTables(ctx context.Context, cb func(SourceTable) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, nspname, relname, reltuples, bytes, restore_name, part_key
		FROM s_table
		WHERE filtered_out = 0
		ORDER BY bytes DESC, oid ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	// The store holds a single connection, so the rows are read in full and
	// closed before partitionsFor and cb issue queries of their own.
	var tables []SourceTable
	for rows.Next() {
		var t SourceTable
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.RowEstimate, &t.ByteSize, &t.RestoreName, &t.PartKey); err != nil {
			return err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, t := range tables {
		parts, err := s.partitionsFor(ctx, t.OID)
		if err != nil {
			return err
		}
		t.Partitions = parts
		if err := cb(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) partitionsFor(ctx context.Context, tableOID uint32) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_number, part_min, part_max FROM s_table_part WHERE table_oid = ? ORDER BY part_number`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Number, &p.Min, &p.Max); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IterIndexes calls cb for every retained index belonging to tableOID, in
// OID order. Build order within a table does not matter for correctness;
// OID order just gives a deterministic default.
func (s *Store) IterIndexes(ctx context.Context, tableOID uint32, cb func(SourceIndex) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, table_oid, nspname, relname, definition,
		       constraint_oid, constraint_name, constraint_def, is_primary, is_unique
		FROM s_index
		WHERE table_oid = ? AND filtered_out = 0
		ORDER BY oid`, tableOID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var idx SourceIndex
		if err := rows.Scan(&idx.OID, &idx.TableOID, &idx.Schema, &idx.Name, &idx.Definition,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef, &idx.IsPrimary, &idx.IsUnique); err != nil {
			return err
		}
		if err := cb(idx); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LookupTableByName finds a retained table by its qualified name.
func (s *Store) LookupTableByName(ctx context.Context, schema, name string) (SourceTable, bool, error) {
	var t SourceTable
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, nspname, relname, reltuples, bytes, restore_name, part_key
		FROM s_table WHERE nspname = ? AND relname = ?`, schema, name).
		Scan(&t.OID, &t.Schema, &t.Name, &t.RowEstimate, &t.ByteSize, &t.RestoreName, &t.PartKey)
	if err != nil {
		return SourceTable{}, false, nilIfNoRows(err)
	}
	return t, true, nil
}

// LookupTableByOID finds a retained table by OID, used by the index and
// vacuum pools to resolve a queue entry back to its schema-qualified name.
func (s *Store) LookupTableByOID(ctx context.Context, oid uint32) (SourceTable, bool, error) {
	var t SourceTable
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, nspname, relname, reltuples, bytes, restore_name, part_key
		FROM s_table WHERE oid = ?`, oid).
		Scan(&t.OID, &t.Schema, &t.Name, &t.RowEstimate, &t.ByteSize, &t.RestoreName, &t.PartKey)
	if err != nil {
		return SourceTable{}, false, nilIfNoRows(err)
	}
	parts, err := s.partitionsFor(ctx, t.OID)
	if err != nil {
		return SourceTable{}, false, err
	}
	t.Partitions = parts
	return t, true, nil
}

// LookupIndexByOID finds a retained index by OID, used by the index pool
// to resolve a queue entry back to its definition and backing constraint.
func (s *Store) LookupIndexByOID(ctx context.Context, oid uint32) (SourceIndex, bool, error) {
	var idx SourceIndex
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, table_oid, nspname, relname, definition,
		       constraint_oid, constraint_name, constraint_def, is_primary, is_unique
		FROM s_index WHERE oid = ?`, oid).
		Scan(&idx.OID, &idx.TableOID, &idx.Schema, &idx.Name, &idx.Definition,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef, &idx.IsPrimary, &idx.IsUnique)
	if err != nil {
		return SourceIndex{}, false, nilIfNoRows(err)
	}
	return idx, true, nil
}

// LookupAttrByName finds one column's catalog entry for a table, used by
// the CDC primary-key fallback split for UPDATE envelopes.
func (s *Store) LookupAttrByName(ctx context.Context, tableOID uint32, name string) (Attr, bool, error) {
	var a Attr
	err := s.db.QueryRowContext(ctx,
		`SELECT attnum, attname, is_pkey FROM s_attr WHERE table_oid = ? AND attname = ?`, tableOID, name).
		Scan(&a.Num, &a.Name, &a.IsPkey)
	if err != nil {
		return Attr{}, false, nilIfNoRows(err)
	}
	return a, true, nil
}

// PKeyAttrs returns every primary-key column of tableOID, in attnum order.
func (s *Store) PKeyAttrs(ctx context.Context, tableOID uint32) ([]Attr, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attnum, attname, is_pkey FROM s_attr WHERE table_oid = ? AND is_pkey = 1 ORDER BY attnum`, tableOID)
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

func nilIfNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// IterSequences calls cb for every retained sequence, OID ascending. Used
// after CDC apply finishes to re-sync sequence values logical decoding does
// not carry.
func (s *Store) IterSequences(ctx context.Context, cb func(SourceSequence) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, nspname, relname, owner_table_oid
		FROM s_sequence WHERE filtered_out = 0 ORDER BY oid ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var seq SourceSequence
		if err := rows.Scan(&seq.OID, &seq.Schema, &seq.Name, &seq.OwnerTableOID); err != nil {
			return err
		}
		if err := cb(seq); err != nil {
			return err
		}
	}
	return rows.Err()
}
