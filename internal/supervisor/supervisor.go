// Package supervisor owns process-lifetime shutdown: it turns OS signals and
// the first fatal worker error into a single cancellation of the run
// context, then waits for every registered worker to actually exit before
// running teardown closers, in reverse registration order.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Worker is a long-running goroutine body. It must return promptly once ctx
// is cancelled.
type Worker func(ctx context.Context) error

// Supervisor runs a set of workers under a shared context and coordinates
// shutdown: the first worker error, an OS signal, or an explicit Shutdown
// call all cancel the same context exactly once.
type Supervisor struct {
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	closers  []func()
}

// New creates a Supervisor whose context is cancelled on SIGINT/SIGTERM.
func New(parent context.Context, logger zerolog.Logger) *Supervisor {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return &Supervisor{
		logger: logger.With().Str("component", "supervisor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the run context; workers should select on its Done()
// channel and stop promptly when it fires.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// OnClose registers a teardown closer to run during Wait, after every
// worker has exited, in reverse registration order (the closer registered
// last runs first). Use this for connection pools,
// metrics collectors, and file handles, matching the pipeline's Close
// ordering: cancel first, then tear down components in dependency order.
func (s *Supervisor) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Go starts a worker under the supervisor. If it returns a non-nil error,
// that is recorded as the first fatal error (if none is recorded yet) and
// the run context is cancelled so every other worker unwinds.
func (s *Supervisor) Go(name string, w Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := w(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Error().Err(err).Str("worker", name).Msg("worker failed, shutting down")
		}
		if err != nil {
			s.fail(err)
		}
	}()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	s.cancel()
}

// Shutdown requests cancellation with reason as the recorded error, unless
// an error was already recorded. Safe to call multiple times.
func (s *Supervisor) Shutdown(reason error) {
	if reason != nil {
		s.fail(reason)
		return
	}
	s.cancel()
}

// Wait blocks until every worker started with Go has returned, then runs
// registered closers in reverse registration order, and returns the first fatal worker error (if
// any). A plain signal- or Shutdown(nil)-triggered cancellation with no
// worker error returns nil.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.cancel()

	s.mu.Lock()
	closers := s.closers
	err := s.firstErr
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	return err
}
