package catalog

import "context"

// FilterSet is the set of OIDs and "schema.name" restore-list entries that
// must be skipped during restore: already handled out of band, or
// user-excluded.
type FilterSet struct {
	OIDs  map[uint32]struct{}
	Names map[string]struct{}
}

// NewFilterSet creates an empty FilterSet.
func NewFilterSet() *FilterSet {
	return &FilterSet{OIDs: make(map[uint32]struct{}), Names: make(map[string]struct{})}
}

func (f *FilterSet) AddOID(oid uint32)      { f.OIDs[oid] = struct{}{} }
func (f *FilterSet) AddName(name string)    { f.Names[name] = struct{}{} }

func (f *FilterSet) hasOID(oid uint32) bool   { _, ok := f.OIDs[oid]; return ok }
func (f *FilterSet) hasName(name string) bool { _, ok := f.Names[name]; return ok }

// PersistFilters writes the filter set into the store so ObjectIDIsFilteredOut
// can be answered without the caller re-threading the in-memory FilterSet
// through every component.
func (s *Store) PersistFilters(ctx context.Context, f *FilterSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for oid := range f.OIDs {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO filter_oid(oid) VALUES (?)", oid); err != nil {
			return err
		}
	}
	for name := range f.Names {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO filter_name(restore_name) VALUES (?)", name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ObjectIDIsFilteredOut reports whether oid or restoreName must be skipped
// during restore: present in the filter set, or already marked filtered_out
// on the object's own s_table, s_index or s_sequence row.
func (s *Store) ObjectIDIsFilteredOut(ctx context.Context, oid uint32, restoreName string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM filter_oid WHERE oid = ?", oid).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if restoreName != "" {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM filter_name WHERE restore_name = ?", restoreName).Scan(&n); err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return s.objectFilteredFlag(ctx, oid)
}

func (s *Store) objectFilteredFlag(ctx context.Context, oid uint32) (bool, error) {
	for _, table := range []string{"s_table", "s_index", "s_sequence"} {
		var flag int
		err := s.db.QueryRowContext(ctx, "SELECT filtered_out FROM "+table+" WHERE oid = ?", oid).Scan(&flag)
		if err == nil {
			return flag != 0, nil
		}
	}
	return false, nil
}
