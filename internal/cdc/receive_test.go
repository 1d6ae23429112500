package cdc

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestReceiveConfig_Defaults(t *testing.T) {
	var cfg ReceiveConfig
	require.Equal(t, uint64(16<<20), cfg.segmentSize())
	require.Equal(t, time.Second, cfg.backoff())

	cfg = ReceiveConfig{SegmentSize: 1 << 10, ReconnectBackoff: 5 * time.Second}
	require.Equal(t, uint64(1<<10), cfg.segmentSize())
	require.Equal(t, 5*time.Second, cfg.backoff())
}

func TestPluginStartArgs(t *testing.T) {
	require.Equal(t, []string{"format-version '2'", "include-xids 'on'", "include-timestamp 'on'"}, pluginStartArgs("wal2json"))
	require.Equal(t, []string{"include-xids 'on'", "include-timestamp 'on'"}, pluginStartArgs("test_decoding"))
	require.Equal(t, []string{"include-xids 'on'", "include-timestamp 'on'"}, pluginStartArgs("unknown"))
}

func TestIsPermanentSourceError(t *testing.T) {
	require.False(t, isPermanentSourceError(nil))

	slotGone := &pgconn.PgError{Code: "42704"}
	require.True(t, isPermanentSourceError(slotGone))

	other := &pgconn.PgError{Code: "08006"}
	require.False(t, isPermanentSourceError(other))
}
