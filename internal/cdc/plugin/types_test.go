package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAction_JSONRoundTripsAsSingleCharacterCode(t *testing.T) {
	data, err := json.Marshal(ActionInsert)
	require.NoError(t, err)
	require.JSONEq(t, `"I"`, string(data))

	var a Action
	require.NoError(t, json.Unmarshal(data, &a))
	require.Equal(t, ActionInsert, a)
}

func TestEnvelope_JSONUsesStringActionCode(t *testing.T) {
	env := Envelope{Action: ActionBegin, XID: 1, LSN: "0/1"}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(data), `"action":"B"`)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, ActionBegin, got.Action)
}

func TestAction_UnmarshalRejectsMultiCharacterCode(t *testing.T) {
	var a Action
	err := json.Unmarshal([]byte(`"BAD"`), &a)
	require.Error(t, err)
}

func TestQuoteIdent_DoublesEmbeddedQuotes(t *testing.T) {
	c := Change{Schema: `pub"lic`, Table: "t"}
	require.Equal(t, `"pub""lic"."t"`, c.QualifiedName())
}
