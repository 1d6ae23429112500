package mutex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.lock")

	m := New(path)
	require.NoError(t, m.Acquire(10*time.Millisecond, time.Second))
	require.NoError(t, m.Release())
}

func TestAcquire_SecondHandleBlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.lock")

	first := New(path)
	require.NoError(t, first.Acquire(10*time.Millisecond, time.Second))

	second := New(path)
	done := make(chan error, 1)
	go func() {
		done <- second.Acquire(10*time.Millisecond, 2*time.Second)
	}()

	select {
	case err := <-done:
		t.Fatalf("second acquire should not have succeeded yet: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Release())
	require.NoError(t, <-done)
	require.NoError(t, second.Release())
}
