package workdir

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaim_FreshUnitSucceeds(t *testing.T) {
	store := NewMemRunStore()

	ok, err := Claim(store, "42", "building index")
	require.NoError(t, err)
	require.True(t, ok)

	pid, summary, held, err := store.LockKey("42")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, os.Getpid(), pid)
	require.Equal(t, "building index", summary)
}

func TestClaim_AlreadyDoneIsSkipped(t *testing.T) {
	store := NewMemRunStore()
	require.NoError(t, store.MarkDoneKey("42"))

	ok, err := Claim(store, "42", "ignored")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaim_LiveLockIsSkipped(t *testing.T) {
	store := NewMemRunStore()
	require.NoError(t, store.WriteLockKey("42", os.Getpid(), "in progress"))

	ok, err := Claim(store, "42", "ignored")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaim_StaleLockIsBrokenAndReclaimed(t *testing.T) {
	store := NewMemRunStore()
	// A PID that (almost certainly) does not correspond to a live process.
	require.NoError(t, store.WriteLockKey("42", 999999, "dead worker"))

	ok, err := Claim(store, "42", "new worker")
	require.NoError(t, err)
	require.True(t, ok)

	pid, summary, held, err := store.LockKey("42")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, os.Getpid(), pid)
	require.Equal(t, "new worker", summary)
}

func TestRelease_MarksDoneAndClearsLock(t *testing.T) {
	store := NewMemRunStore()
	ok, err := Claim(store, "42", "working")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, Release(store, "42"))
	require.True(t, store.IsDoneKey("42"))
	_, _, held, err := store.LockKey("42")
	require.NoError(t, err)
	require.False(t, held)
}

func TestAbandon_ClearsLockWithoutMarkingDone(t *testing.T) {
	store := NewMemRunStore()
	ok, err := Claim(store, "42", "working")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, Abandon(store, "42"))
	require.False(t, store.IsDoneKey("42"))
	_, _, held, err := store.LockKey("42")
	require.NoError(t, err)
	require.False(t, held)

	// The unit can be reclaimed after being abandoned.
	ok, err = Claim(store, "42", "retry")
	require.NoError(t, err)
	require.True(t, ok)
}
