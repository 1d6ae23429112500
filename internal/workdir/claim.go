package workdir

import (
	"os"

	"github.com/jfoltran/pgcopydb-go/internal/mutex"
)

// Claim implements the per-unit claim protocol against any KeyRunStore:
// done-check, then live-lock-check, then stale-lock break, then write a
// fresh lock under the calling process's PID. It reports false (no error)
// when the unit is already done or is held by another live worker — both
// are "move on to the next unit", not failures.
func Claim(store KeyRunStore, key, summary string) (bool, error) {
	if store.IsDoneKey(key) {
		return false, nil
	}

	pid, _, ok, err := store.LockKey(key)
	if err != nil {
		return false, err
	}
	if ok {
		if mutex.ProcessAlive(pid) {
			return false, nil
		}
		// Stale lock: the prior holder died mid-unit. Break it and reclaim.
		if err := store.RemoveLockKey(key); err != nil {
			return false, err
		}
	}

	if err := store.WriteLockKey(key, os.Getpid(), summary); err != nil {
		return false, err
	}
	return true, nil
}

// Release clears the unit's lock and writes its done marker. Call after a
// unit's work succeeds.
func Release(store KeyRunStore, key string) error {
	if err := store.MarkDoneKey(key); err != nil {
		return err
	}
	return store.RemoveLockKey(key)
}

// Abandon clears the unit's lock without marking it done, so another worker
// (or a future --resume) can reclaim it. Call after a unit's work fails.
func Abandon(store KeyRunStore, key string) error {
	return store.RemoveLockKey(key)
}
