package workdir

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	name    string
	err     error
	release *[]string
}

func (r fakeResource) Name() string { return r.name }

func (r fakeResource) Release() error {
	*r.release = append(*r.release, r.name)
	return r.err
}

func TestResourceRegistry_ReleasesInReverseOrder(t *testing.T) {
	reg := NewResourceRegistry(zerolog.Nop())
	var released []string

	reg.Register(fakeResource{name: "logging-semaphore", release: &released})
	reg.Register(fakeResource{name: "index-pool-queue", release: &released})
	reg.Register(fakeResource{name: "vacuum-pool-queue", release: &released})

	reg.Close()

	require.Equal(t, []string{"vacuum-pool-queue", "index-pool-queue", "logging-semaphore"}, released)
}

func TestResourceRegistry_ReleaseFailureDoesNotStopOthers(t *testing.T) {
	reg := NewResourceRegistry(zerolog.Nop())
	var released []string

	reg.Register(fakeResource{name: "a", release: &released})
	reg.Register(fakeResource{name: "b", err: errors.New("boom"), release: &released})
	reg.Register(fakeResource{name: "c", release: &released})

	reg.Close()

	require.Equal(t, []string{"c", "b", "a"}, released)
}

func TestResourceRegistry_CloseIsIdempotent(t *testing.T) {
	reg := NewResourceRegistry(zerolog.Nop())
	var released []string
	reg.Register(fakeResource{name: "a", release: &released})

	reg.Close()
	reg.Close()

	require.Equal(t, []string{"a"}, released)
}
