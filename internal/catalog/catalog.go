// Package catalog persists the fetched source schema — tables, indexes,
// constraints, sequences, filter decisions and per-object progress — in an
// embedded SQLite store under the work directory, shared by every worker
// in a run. modernc.org/sqlite keeps the binary cgo-free.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the embedded catalog. It is safe for concurrent reads from many
// workers; writes are serialized by mu and happen only while the catalog
// fetch runs — after that the store is read-only for the rest of the run.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or truncates, via path=":memory:" in tests) the catalog
// database at path and installs its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY from this process's own workers racing the write lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS s_schema (
	nspname     TEXT PRIMARY KEY,
	exists_dst  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS s_table (
	oid          INTEGER PRIMARY KEY,
	nspname      TEXT NOT NULL,
	relname      TEXT NOT NULL,
	reltuples    INTEGER NOT NULL DEFAULT 0,
	bytes        INTEGER NOT NULL DEFAULT 0,
	restore_name TEXT NOT NULL DEFAULT '',
	part_key     TEXT NOT NULL DEFAULT '',
	part_count   INTEGER NOT NULL DEFAULT 1,
	filtered_out INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS s_table_qn ON s_table(nspname, relname);

CREATE TABLE IF NOT EXISTS s_table_part (
	table_oid   INTEGER NOT NULL,
	part_number INTEGER NOT NULL,
	part_min    TEXT NOT NULL DEFAULT '',
	part_max    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (table_oid, part_number)
);

CREATE TABLE IF NOT EXISTS s_attr (
	table_oid INTEGER NOT NULL,
	attnum    INTEGER NOT NULL,
	attname   TEXT NOT NULL,
	is_pkey   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, attnum)
);

CREATE TABLE IF NOT EXISTS s_index (
	oid               INTEGER PRIMARY KEY,
	table_oid         INTEGER NOT NULL,
	nspname           TEXT NOT NULL,
	relname           TEXT NOT NULL,
	definition        TEXT NOT NULL,
	constraint_oid    INTEGER NOT NULL DEFAULT 0,
	constraint_name   TEXT NOT NULL DEFAULT '',
	constraint_def    TEXT NOT NULL DEFAULT '',
	is_primary        INTEGER NOT NULL DEFAULT 0,
	is_unique         INTEGER NOT NULL DEFAULT 0,
	filtered_out      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS s_sequence (
	oid             INTEGER PRIMARY KEY,
	nspname         TEXT NOT NULL,
	relname         TEXT NOT NULL,
	owner_table_oid INTEGER NOT NULL DEFAULT 0,
	filtered_out    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS filter_oid (
	oid INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS filter_name (
	restore_name TEXT PRIMARY KEY
);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}
