package pgconn

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPrepareSnapshot_NotConsistentOptOut(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	snap, err := m.PrepareSnapshot(context.Background(), false, "")
	require.NoError(t, err)
	require.Equal(t, StateNotConsistent, snap.State)

	// SetSnapshot must be a no-op in this mode.
	require.NoError(t, m.SetSnapshot(context.Background(), nil))
}

func TestPrepareSnapshot_ExternalIdentifier(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	snap, err := m.PrepareSnapshot(context.Background(), true, "00000003-0000001A-1")
	require.NoError(t, err)
	require.Equal(t, StateExported, snap.State)
	require.Equal(t, KindLogical, snap.Kind)
}

func TestPrepareSnapshot_CalledTwiceErrors(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	_, err := m.PrepareSnapshot(context.Background(), false, "")
	require.NoError(t, err)

	_, err = m.PrepareSnapshot(context.Background(), false, "")
	require.Error(t, err)
}

func TestCloseSnapshot_WithoutPrepareErrors(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	err := m.CloseSnapshot(context.Background())
	require.Error(t, err)
}

func TestCloseSnapshot_TwiceErrors(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	_, err := m.PrepareSnapshot(context.Background(), false, "")
	require.NoError(t, err)

	require.NoError(t, m.CloseSnapshot(context.Background()))
	require.Error(t, m.CloseSnapshot(context.Background()))
}

func TestSetSnapshot_AfterCloseErrors(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	_, err := m.PrepareSnapshot(context.Background(), true, "some-id")
	require.NoError(t, err)
	require.NoError(t, m.CloseSnapshot(context.Background()))

	err = m.SetSnapshot(context.Background(), nil)
	require.Error(t, err)
}

func TestSnapshotState_String(t *testing.T) {
	require.Equal(t, "exported", StateExported.String())
	require.Equal(t, "not-consistent", StateNotConsistent.String())
	require.Equal(t, "logical", KindLogical.String())
	require.Equal(t, "sql", KindSQL.String())
}
