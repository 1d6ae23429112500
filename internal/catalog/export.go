package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// schemaDoc is the on-disk rendering of the store's retained objects,
// written as schema.json. It lets a human operator inspect what one run's
// catalog fetch decided to retain without opening the SQLite store
// directly.
type schemaDoc struct {
	Tables    []SourceTable    `json:"tables"`
	Indexes   []SourceIndex    `json:"indexes"`
	Sequences []SourceSequence `json:"sequences"`
}

// PrepareSpecs renders the store's retained tables/indexes/sequences into
// an in-memory document, the same one PrepareSchemaJSON persists to disk.
func (s *Store) PrepareSpecs(ctx context.Context) (any, error) {
	return s.buildSchemaDoc(ctx)
}

// PrepareSchemaJSON writes the store's retained objects to path as JSON.
// Called once by the orchestrator right after FetchSchema.
func (s *Store) PrepareSchemaJSON(ctx context.Context, path string) error {
	doc, err := s.buildSchemaDoc(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal schema.json: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("catalog: write schema.json: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) buildSchemaDoc(ctx context.Context) (*schemaDoc, error) {
	doc := &schemaDoc{}
	if err := s.IterTables(ctx, func(t SourceTable) error {
		doc.Tables = append(doc.Tables, t)
		return s.IterIndexes(ctx, t.OID, func(idx SourceIndex) error {
			doc.Indexes = append(doc.Indexes, idx)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("catalog: render tables: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, nspname, relname, owner_table_oid
		FROM s_sequence WHERE filtered_out = 0 ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("catalog: render sequences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq SourceSequence
		if err := rows.Scan(&seq.OID, &seq.Schema, &seq.Name, &seq.OwnerTableOID); err != nil {
			return nil, err
		}
		doc.Sequences = append(doc.Sequences, seq)
	}
	return doc, rows.Err()
}
