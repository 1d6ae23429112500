package cdc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelStore_WriteCacheAndCachedRoundTrip(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "lsn.json")
	s := NewSentinelStore(nil, cachePath)

	rec := Sentinel{StartLSN: "0/1", WriteLSN: "0/2", FlushLSN: "0/2", ReplayLSN: "0/2"}
	require.NoError(t, s.writeCache(rec))

	got, err := s.Cached()
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestSentinelStore_CachedMissingFileIsError(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "missing.json")
	s := NewSentinelStore(nil, cachePath)

	_, err := s.Cached()
	require.Error(t, err)
}
