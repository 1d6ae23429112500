package cdc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommitComment(t *testing.T) {
	xid, lsn, commitLSN, err := parseCommitComment("-- COMMIT xid=1 lsn=0/6 commitLsn=0/7")
	require.NoError(t, err)
	require.Equal(t, uint32(1), xid)
	require.Equal(t, "0/6", lsn)
	require.Equal(t, "0/7", commitLSN)
}

func TestParseCommitComment_MissingCommitLSNIsError(t *testing.T) {
	_, _, _, err := parseCommitComment("-- COMMIT xid=1 lsn=0/6")
	require.Error(t, err)
}

func TestParseKeepaliveComment(t *testing.T) {
	lsn, err := parseKeepaliveComment("-- KEEPALIVE lsn=0/1 ts=2026-01-01 00:00:00")
	require.NoError(t, err)
	require.Equal(t, "0/1", lsn)

	_, err = parseKeepaliveComment("-- KEEPALIVE ts=2026-01-01 00:00:00")
	require.Error(t, err)
}

func TestParseSwitchWALComment(t *testing.T) {
	lsn, err := parseSwitchWALComment("-- SWITCH WAL lsn=0/2")
	require.NoError(t, err)
	require.Equal(t, "0/2", lsn)

	_, err = parseSwitchWALComment("-- SWITCH WAL")
	require.Error(t, err)
}

func TestCompareLSNText(t *testing.T) {
	require.Equal(t, 0, compareLSNText("0/10", "0/10"))
	require.Equal(t, -1, compareLSNText("0/1", "0/2"))
	require.Equal(t, 1, compareLSNText("0/2", "0/1"))
	require.Equal(t, -1, compareLSNText("0/FFFF", "1/0"))
	require.Equal(t, 1, compareLSNText("1/0", "0/FFFF"))
}

func TestApplier_ReachedEndpos(t *testing.T) {
	a := &Applier{}
	require.False(t, a.reachedEndpos("0/10", ""))
	require.False(t, a.reachedEndpos("0/5", "0/10"))
	require.True(t, a.reachedEndpos("0/10", "0/10"))
	require.True(t, a.reachedEndpos("0/11", "0/10"))
}

func TestApplyState_String(t *testing.T) {
	require.Equal(t, "waitingForSentinelApply", ApplyWaitingForSentinel.String())
	require.Equal(t, "catchup", ApplyCatchup.String())
	require.Equal(t, "reachedEndpos", ApplyReachedEndpos.String())
	require.Equal(t, "stopped", ApplyStopped.String())
}

func TestApplier_ResumeSkipsAlreadyAppliedBlocks(t *testing.T) {
	ctx := context.Background()
	a := &Applier{skipUntil: "0/2000"}

	for _, line := range []string{
		"-- BEGIN xid=7 lsn=0/1000",
		`INSERT INTO "t" ("id") VALUES ('1');`,
		"-- COMMIT xid=7 lsn=0/1000 commitLsn=0/1500",
	} {
		done, err := a.applyLine(ctx, line, "")
		require.NoError(t, err)
		require.False(t, done)
	}

	// The block committed before the resume cursor: nothing executed, the
	// buffer is dropped, and we are still catching up.
	require.Equal(t, "0/2000", a.skipUntil)
	require.Empty(t, a.pending)
}

func TestApplier_ResumeBuffersWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	a := &Applier{skipUntil: "0/2000"}

	_, err := a.applyLine(ctx, "-- BEGIN xid=8 lsn=0/2100", "")
	require.NoError(t, err)
	_, err = a.applyLine(ctx, `INSERT INTO "t" ("id") VALUES ('2');`, "")
	require.NoError(t, err)

	// Nothing has touched the (nil) target connection: the statement is
	// parked until its COMMIT proves which side of the cursor it is on.
	require.Equal(t, []string{`INSERT INTO "t" ("id") VALUES ('2');`}, a.pending)
	require.False(t, a.inTx)
}

func TestApplier_ResumeSkipsKeepalivesBehindCursor(t *testing.T) {
	a := &Applier{skipUntil: "0/2000"}

	done, err := a.applyLine(context.Background(), "-- KEEPALIVE lsn=0/1800 ts=2024-01-01 00:00:00+00", "")
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "0/2000", a.skipUntil)
}

func TestApplier_SwitchWALWithinCurrentSegmentIsNoop(t *testing.T) {
	a := &Applier{segSize: defaultWALSegmentSize}

	done, err := a.applyLine(context.Background(), "-- SWITCH WAL lsn=0/10", "")
	require.NoError(t, err)
	require.False(t, done)
	require.Empty(t, a.nextFileLSN)
}

func TestApplier_SwitchWALCrossingSegmentsQueuesNextFile(t *testing.T) {
	a := &Applier{segSize: defaultWALSegmentSize}

	done, err := a.applyLine(context.Background(), "-- SWITCH WAL lsn=1/0", "")
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "1/0", a.nextFileLSN)
}
