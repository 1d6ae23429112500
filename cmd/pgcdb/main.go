package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jfoltran/pgcopydb-go/internal/cdc"
)

// Exit codes observable by wrappers around pgcdb, per the run's external
// interface contract: 0 success, 1 bad args, 2 internal error, 3 source-side
// error, 4 target-side error, 5 config error, 6 normal quit (e.g. --endpos
// reached cleanly).
const (
	exitOK            = 0
	exitBadArgs       = 1
	exitInternalError = 2
	exitSourceError   = 3
	exitTargetError   = 4
	exitConfigError   = 5
	exitNormalQuit    = 6
)

// errNormalQuit lets a RunE signal a clean, intentional stop (apply reaching
// --endpos) distinctly from an error.
var errNormalQuit = errors.New("pgcdb: normal quit")

// normalQuit maps a clean endpos stop onto the normal-quit exit code;
// every other result passes through unchanged.
func normalQuit(err error) error {
	if errors.Is(err, cdc.ErrEndposReached) {
		return errNormalQuit
	}
	return err
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	if errors.Is(err, errNormalQuit) {
		return exitNormalQuit
	}

	var badArgs badArgsError
	if errors.As(err, &badArgs) {
		return exitBadArgs
	}
	var configErr configError
	if errors.As(err, &configErr) {
		return exitConfigError
	}

	fmt.Fprintln(os.Stderr, "pgcdb: error:", err)

	switch classifyRunError(err) {
	case sideSource:
		return exitSourceError
	case sideTarget:
		return exitTargetError
	default:
		return exitInternalError
	}
}

// badArgsError marks an error as a CLI usage mistake (exit 1), distinct from
// a semantic configuration problem (exit 5).
type badArgsError struct{ err error }

func (e badArgsError) Error() string { return e.err.Error() }
func (e badArgsError) Unwrap() error { return e.err }

// configError marks an error as a validated-but-wrong configuration (exit
// 5), e.g. config.Config.Validate failing.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

type errSide int

const (
	sideUnknown errSide = iota
	sideSource
	sideTarget
)

// classifyRunError makes a best-effort source/target attribution from an
// error's wrapped message, since every connection/exec helper in this tree
// (pgconn.OpenPool, schemapipeline, tablecopy, cdc) labels its pool or DSN
// with "source" or "dest"/"destination"/"target" at the point of failure.
// It cannot be exact for errors that never touch either label; those fall
// back to the generic internal-error exit code.
func classifyRunError(err error) errSide {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "source"):
		return sideSource
	case strings.Contains(msg, "dest") || strings.Contains(msg, "target"):
		return sideTarget
	default:
		return sideUnknown
	}
}
