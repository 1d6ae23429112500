package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// handshake is the in-process rendezvous followAfterClone uses to confirm
// its own EnableApply call was observed by the apply stage before logging
// the clone as streaming. It carries no message payload: apply finds out
// about the flag by reading the persisted sentinel record, the handshake
// only acknowledges that it did.
type handshake struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan time.Time
	nextID  int
}

func newHandshake(logger zerolog.Logger) *handshake {
	return &handshake{
		logger:  logger.With().Str("component", "handshake").Logger(),
		pending: make(map[string]chan time.Time),
	}
}

// Initiate registers a new pending acknowledgement and returns its id.
func (h *handshake) Initiate() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("sentinel-%d", h.nextID)
	h.pending[id] = make(chan time.Time, 1)
	return id
}

// Wait blocks until Confirm(id) is called or timeout elapses.
func (h *handshake) Wait(ctx context.Context, id string, timeout time.Duration) error {
	h.mu.Lock()
	ch, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown handshake id %q", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case at := <-ch:
		h.logger.Info().Str("id", id).Time("confirmed_at", at).Msg("apply acknowledged sentinel flip")
		return nil
	case <-timer.C:
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return fmt.Errorf("handshake %s timed out after %s", id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirm is called by the apply stage once it observes apply_bool=true.
func (h *handshake) Confirm(id string) {
	h.mu.Lock()
	ch, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		ch <- time.Now()
	}
}
