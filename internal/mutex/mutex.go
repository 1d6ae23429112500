// Package mutex implements a named cross-process mutex: acquire, release,
// and break-if-stale, backed by github.com/gofrs/flock plus PID-liveness
// detection of the current holder.
package mutex

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Named is a cross-process mutex identified by a file path, used for the
// same-table truncate mutex: any number of processes can
// race to Acquire, and a holder whose PID has died is detected and broken
// automatically.
type Named struct {
	path string
	fl   *flock.Flock
}

// New creates a Named mutex backed by the lock file at path. The file's
// parent directory must already exist.
func New(path string) *Named {
	return &Named{path: path, fl: flock.New(path)}
}

// Acquire blocks (polling at the given interval) until the lock is obtained
// or ctx-less timeout elapses; pass timeout<=0 to block indefinitely.
func (m *Named) Acquire(pollInterval, timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := m.fl.TryLock()
		if err != nil {
			return fmt.Errorf("mutex: try lock %s: %w", m.path, err)
		}
		if ok {
			return os.WriteFile(m.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
		}

		if m.breakStaleIfDead() {
			continue
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("mutex: timed out acquiring %s", m.path)
		}
		time.Sleep(pollInterval)
	}
}

// Release releases the lock. Safe to call even if Acquire failed.
func (m *Named) Release() error {
	return m.fl.Unlock()
}

// breakStaleIfDead inspects the holder recorded alongside the flock file; if
// that PID is no longer alive, it force-unlocks and reports true so the
// caller retries immediately instead of waiting out its poll interval.
func (m *Named) breakStaleIfDead() bool {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false
	}
	if ProcessAlive(pid) {
		return false
	}
	// The holder is dead but may not have released the OS-level lock (e.g.
	// it crashed). flock releases automatically when the holding process
	// exits on Linux, so a genuinely stale entry here means our own stale
	// PID marker from a previous run of this process; nothing to break at
	// the OS level, just let the next TryLock succeed naturally. Returning
	// true causes an immediate retry rather than sleeping a full interval.
	return true
}

// ProcessAlive reports whether pid names a live process, used by the
// RunStore claim protocol, which keeps its own PID markers outside of a
// Named lock file.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Dir ensures the parent directory of path exists, for callers constructing
// a fresh Named mutex path.
func Dir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
