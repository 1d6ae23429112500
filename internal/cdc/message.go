// Package cdc is the receive/transform/apply logical-decoding pipeline
// that streams a source output plugin's change stream to the target. The
// source speaks the textual test_decoding or wal2json plugins, never
// pgoutput: payloads cross the wire as opaque text and are decoded by the
// plugin package.
package cdc

import "github.com/jfoltran/pgcopydb-go/internal/cdc/plugin"

// Action, Envelope, ColumnValue and Change are aliases onto the plugin
// package's types: the plugin parsers are the ones that construct them, and
// aliasing here (rather than duplicating or wrapping) avoids copy-back at
// every call site in receive.go/transform.go/apply.go.
type Action = plugin.Action
type Envelope = plugin.Envelope
type ColumnValue = plugin.ColumnValue
type Change = plugin.Change

const (
	ActionBegin     = plugin.ActionBegin
	ActionCommit    = plugin.ActionCommit
	ActionInsert    = plugin.ActionInsert
	ActionUpdate    = plugin.ActionUpdate
	ActionDelete    = plugin.ActionDelete
	ActionTruncate  = plugin.ActionTruncate
	ActionKeepalive = plugin.ActionKeepalive
	ActionSwitchWAL = plugin.ActionSwitchWAL
)

// quoteIdent double-quotes a SQL identifier, doubling any embedded quotes.
func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}
