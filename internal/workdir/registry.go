package workdir

import (
	"sync"

	"github.com/rs/zerolog"
)

// Resource is an OS-level inter-process resource (a named mutex, a bounded
// queue) that must be released when the owning process exits, regardless of
// which exit path is taken.
type Resource interface {
	Name() string
	Release() error
}

// ResourceRegistry keeps every Resource registered by the current process
// and releases them in reverse registration order on Close. It is an
// explicitly-owned value passed down from the entry point, not a
// process-global table.
type ResourceRegistry struct {
	logger zerolog.Logger

	mu        sync.Mutex
	resources []Resource
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry(logger zerolog.Logger) *ResourceRegistry {
	return &ResourceRegistry{
		logger: logger.With().Str("component", "resource-registry").Logger(),
	}
}

// Register adds r to the registry. Registration order matters: r is
// released before anything registered earlier and after anything registered
// later.
func (r *ResourceRegistry) Register(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, res)
}

// Close releases every registered resource in reverse registration order.
// A release failure is logged and ignored so that one stuck resource never
// prevents the others from being cleaned up.
func (r *ResourceRegistry) Close() {
	r.mu.Lock()
	resources := r.resources
	r.resources = nil
	r.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		res := resources[i]
		if err := res.Release(); err != nil {
			r.logger.Warn().Err(err).Str("resource", res.Name()).Msg("failed to release resource at exit")
		}
	}
}
