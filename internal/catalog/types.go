package catalog

// Partition describes one slice of a table split for parallel copy.
type Partition struct {
	Number int
	Min    string
	Max    string
}

// SourceTable is a retained table's catalog entry: identity, size estimates
// and its ordered indexes/constraints (fetched separately via s_index rows
// with TableOID = OID).
type SourceTable struct {
	OID         uint32
	Schema      string
	Name        string
	RowEstimate int64
	ByteSize    int64
	RestoreName string
	PartKey     string
	Partitions  []Partition // len==1 (whole table) unless split
}

func (t SourceTable) QualifiedName() string { return t.Schema + "." + t.Name }

// SourceIndex is one index, and the constraint it backs if any.
type SourceIndex struct {
	OID            uint32
	TableOID       uint32
	Schema         string
	Name           string
	Definition     string
	ConstraintOID  uint32
	ConstraintName string
	ConstraintDef  string
	IsPrimary      bool
	IsUnique       bool
}

// HasConstraint reports whether this index backs a named constraint.
func (i SourceIndex) HasConstraint() bool { return i.ConstraintOID != 0 }

// SourceSequence is a sequence and the table OID that owns it, if any.
type SourceSequence struct {
	OID           uint32
	Schema        string
	Name          string
	OwnerTableOID uint32
}

// Attr is a source column, flagged if it participates in the table's primary
// key. The CDC transform uses the flag to split UPDATE envelopes that lack
// explicit old-key/new-tuple sections into WHERE and SET column lists.
type Attr struct {
	Num    int
	Name   string
	IsPkey bool
}
