package workdir

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquirePIDFile writes the current process's PID to path, failing if a live
// process already holds it. A file referencing a dead PID is treated as
// stale and silently reclaimed.
//
// Failure to acquire the main PID file is fatal to the run; callers of an
// auxiliary service PID file (a standalone snapshot holder) may coexist with
// the main process, so they use a different path and are never checked
// against it.
func AcquirePIDFile(path string) error {
	if existing, ok := readPID(path); ok {
		if processAlive(existing) {
			return fmt.Errorf("workdir: %s already locked by live pid %d", path, existing)
		}
	}
	return writePID(path, os.Getpid())
}

// ReleasePIDFile removes the PID file if it is still owned by this process.
func ReleasePIDFile(path string) error {
	existing, ok := readPID(path)
	if !ok {
		return nil
	}
	if existing != os.Getpid() {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// processAlive reports whether pid refers to a live process, by sending the
// null signal as described in kill(2).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it — still alive.
	return err == syscall.EPERM
}
