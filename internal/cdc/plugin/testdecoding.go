package plugin

import (
	"fmt"
	"strconv"
	"strings"
)

// TestDecoding parses the textual output of Postgres's test_decoding
// output plugin, started with "include-timestamp 'on'" so every BEGIN/
// COMMIT line carries a source timestamp alongside the xid.
type TestDecoding struct{}

func (TestDecoding) Name() string { return "test_decoding" }

// ParseAction classifies a raw test_decoding line.
func (TestDecoding) ParseAction(raw string) (Action, bool) {
	switch {
	case strings.HasPrefix(raw, "BEGIN"):
		return ActionBegin, true
	case strings.HasPrefix(raw, "COMMIT"):
		return ActionCommit, true
	}
	_, _, action, _, ok := splitTableHeader(raw)
	if !ok {
		return 0, false
	}
	switch action {
	case "INSERT":
		return ActionInsert, true
	case "UPDATE":
		return ActionUpdate, true
	case "DELETE":
		return ActionDelete, true
	case "TRUNCATE":
		return ActionTruncate, true
	default:
		return 0, false
	}
}

// ParseHeader extracts the xid from "BEGIN <xid>"/"COMMIT <xid>", or the
// schema-qualified table name from a DML line.
func (TestDecoding) ParseHeader(action Action, raw string) (xid uint32, schema, table string, err error) {
	switch action {
	case ActionBegin, ActionCommit:
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			return 0, "", "", fmt.Errorf("test_decoding: malformed %s line %q", action, raw)
		}
		n, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return 0, "", "", fmt.Errorf("test_decoding: parse xid in %q: %w", raw, err)
		}
		return uint32(n), "", "", nil
	default:
		schema, table, _, _, ok := splitTableHeader(raw)
		if !ok {
			return 0, "", "", fmt.Errorf("test_decoding: malformed table header %q", raw)
		}
		return 0, schema, table, nil
	}
}

// ParseDML parses an INSERT/UPDATE/DELETE/TRUNCATE payload into a Change.
func (TestDecoding) ParseDML(action Action, raw string, pkeys PKeyLookup) (Change, error) {
	schema, table, _, rest, ok := splitTableHeader(raw)
	if !ok {
		return Change{}, fmt.Errorf("test_decoding: malformed table header %q", raw)
	}
	change := Change{Schema: schema, Table: table, Op: action}

	switch action {
	case ActionInsert:
		cols, err := parseColumnList(rest)
		if err != nil {
			return Change{}, err
		}
		change.NewCols = cols

	case ActionDelete:
		cols, err := parseColumnList(rest)
		if err != nil {
			return Change{}, err
		}
		change.OldCols = cols

	case ActionTruncate:
		// no column list to parse

	case ActionUpdate:
		switch {
		case strings.HasPrefix(rest, "old-key:"):
			newIdx := strings.Index(rest, "new-tuple:")
			if newIdx < 0 {
				return Change{}, fmt.Errorf("test_decoding: UPDATE missing new-tuple: in %q", raw)
			}
			oldPart := strings.TrimSpace(strings.TrimPrefix(rest[:newIdx], "old-key:"))
			newPart := strings.TrimSpace(strings.TrimPrefix(rest[newIdx:], "new-tuple:"))
			oldCols, err := parseColumnList(oldPart)
			if err != nil {
				return Change{}, err
			}
			newCols, err := parseColumnList(newPart)
			if err != nil {
				return Change{}, err
			}
			change.OldCols, change.NewCols = oldCols, newCols

		default:
			cols, err := parseColumnList(rest)
			if err != nil {
				return Change{}, err
			}
			if pkeys == nil {
				return Change{}, fmt.Errorf("test_decoding: UPDATE %s.%s has no old-key section and no pkey lookup available", schema, table)
			}
			pk, err := pkeys(schema, table)
			if err != nil {
				return Change{}, fmt.Errorf("test_decoding: pkey lookup for %s.%s: %w", schema, table, err)
			}
			oldCols, newCols := splitPkeyTuple(cols, pk)
			if len(oldCols) == 0 || len(newCols) == 0 {
				return Change{}, fmt.Errorf("test_decoding: malformed UPDATE %s.%s: pkey split produced an empty half", schema, table)
			}
			change.OldCols, change.NewCols = oldCols, newCols
		}

	default:
		return Change{}, fmt.Errorf("test_decoding: unsupported DML action %q", action)
	}

	return change, nil
}

// splitTableHeader parses "table <schema>.<table>: <ACTION>: <rest>".
func splitTableHeader(raw string) (schema, table, action, rest string, ok bool) {
	if !strings.HasPrefix(raw, "table ") {
		return "", "", "", "", false
	}
	body := raw[len("table "):]
	colon := strings.Index(body, ":")
	if colon < 0 {
		return "", "", "", "", false
	}
	qname := strings.TrimSpace(body[:colon])
	parts := strings.SplitN(qname, ".", 2)
	if len(parts) != 2 {
		return "", "", "", "", false
	}

	after := strings.TrimSpace(body[colon+1:])
	colon2 := strings.Index(after, ":")
	if colon2 < 0 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], after[:colon2], strings.TrimSpace(after[colon2+1:]), true
}
