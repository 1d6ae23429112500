package schemapipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTOCLine_Table(t *testing.T) {
	e, ok := parseTOCLine("218; 1259 16391 TABLE public foo alice")
	require.True(t, ok)
	require.Equal(t, uint32(16391), e.objOID)
	require.Equal(t, "TABLE", e.desc)
	require.Equal(t, "public", e.namespace)
	require.Equal(t, "foo", e.name)
	require.Equal(t, "public.foo", e.restoreName())
}

func TestParseTOCLine_Schema(t *testing.T) {
	e, ok := parseTOCLine("3; 2615 16390 SCHEMA - public alice")
	require.True(t, ok)
	require.Equal(t, "SCHEMA", e.desc)
	require.Equal(t, "", e.namespace)
}

func TestParseTOCLine_SequenceOwnedBy(t *testing.T) {
	e, ok := parseTOCLine("220; 0 16393 SEQUENCE OWNED BY public foo_id_seq alice")
	require.True(t, ok)
	require.Equal(t, "SEQUENCE OWNED BY", e.desc)
	require.Equal(t, "public", e.namespace)
	require.Equal(t, "foo_id_seq", e.name)
}

func TestParseTOCLine_Comment(t *testing.T) {
	_, ok := parseTOCLine("; header line")
	require.False(t, ok)
}

func TestQuoteQualifiedName(t *testing.T) {
	require.Equal(t, `"t"`, quoteQualifiedName("public", "t"))
	require.Equal(t, `"archive"."t"`, quoteQualifiedName("archive", "t"))
}

func TestQuoteLiteral(t *testing.T) {
	require.Equal(t, `'it''s'`, quoteLiteral("it's"))
}
