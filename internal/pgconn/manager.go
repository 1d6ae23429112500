package pgconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Manager owns the run's connection & snapshot lifecycle: it opens the
// owner connection that exports (or imports) the run's shared snapshot, and
// hands out the import sequence every worker connection must run before
// touching the source.
//
// Failure semantics: a snapshot import error cannot be recovered from;
// callers should treat every error returned here as fatal to the run.
type Manager struct {
	sourceDSN string
	logger    zerolog.Logger

	mu         sync.Mutex
	snapshot   *TransactionSnapshot
	ownerConn  *pgx.Conn
	ownerTx    pgx.Tx
	consistent bool
	imported   int
}

// NewManager creates a snapshot Manager that opens owner/worker connections
// against sourceDSN.
func NewManager(sourceDSN string, logger zerolog.Logger) *Manager {
	return &Manager{
		sourceDSN: sourceDSN,
		logger:    logger.With().Str("component", "pgconn").Logger(),
	}
}

// PrepareSnapshot establishes the run's shared snapshot.
//
// If externalID is non-empty, the caller already holds a snapshot (e.g. one
// exported by a replication slot's CREATE_REPLICATION_SLOT ... SNAPSHOT
// 'export'); Manager only records it for import, in KindLogical. Otherwise,
// when consistent is true, Manager opens its own owner connection, begins a
// REPEATABLE READ read-only transaction and exports a fresh SQL snapshot via
// pg_export_snapshot(), keeping the transaction open until CloseSnapshot.
// When consistent is false, no snapshot is established at all: every worker
// opens an independent transaction and SetSnapshot becomes a no-op; the
// caller accepts that long-running workers may see different data.
func (m *Manager) PrepareSnapshot(ctx context.Context, consistent bool, externalID string) (*TransactionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshot != nil {
		return nil, fmt.Errorf("pgconn: snapshot already prepared (state %s)", m.snapshot.State)
	}
	m.consistent = consistent

	if externalID != "" {
		m.snapshot = &TransactionSnapshot{Identifier: externalID, State: StateExported, Kind: KindLogical}
		return m.snapshot, nil
	}

	if !consistent {
		m.snapshot = &TransactionSnapshot{State: StateNotConsistent, Kind: KindSQL}
		return m.snapshot, nil
	}

	conn, err := pgx.Connect(ctx, m.sourceDSN)
	if err != nil {
		return nil, fmt.Errorf("pgconn: open owner connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("pgconn: begin owner transaction: %w", err)
	}

	var id string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&id); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		conn.Close(ctx)
		return nil, fmt.Errorf("pgconn: export snapshot: %w", err)
	}

	m.ownerConn = conn
	m.ownerTx = tx
	m.snapshot = &TransactionSnapshot{Identifier: id, State: StateExported, Kind: KindSQL}
	m.logger.Info().Str("snapshot", id).Msg("exported transaction snapshot")
	return m.snapshot, nil
}

// CopySnapshot returns the current TransactionSnapshot, for passing to
// workers that open their own connections (e.g. a separate process in a
// future multi-process deployment).
func (m *Manager) CopySnapshot() (*TransactionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, fmt.Errorf("pgconn: no snapshot prepared")
	}
	cp := *m.snapshot
	return &cp, nil
}

// SetSnapshot imports the run's snapshot into conn's transaction, which the
// caller must have already begun. It is a no-op when the run opted out of
// consistency (StateNotConsistent). Workers must not commit or rollback
// their transaction until their unit of work completes.
func (m *Manager) SetSnapshot(ctx context.Context, tx pgx.Tx) error {
	m.mu.Lock()
	snap := m.snapshot
	m.mu.Unlock()

	if snap == nil {
		return fmt.Errorf("pgconn: no snapshot prepared")
	}
	switch snap.State {
	case StateNotConsistent:
		return nil
	case StateClosed:
		return fmt.Errorf("pgconn: cannot import a closed snapshot")
	case StateExported, StateSet:
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snap.Identifier)); err != nil {
			return fmt.Errorf("pgconn: import snapshot %s: %w", snap.Identifier, err)
		}
		m.mu.Lock()
		m.snapshot.State = StateSet
		m.imported++
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("pgconn: snapshot not ready for import (state %s)", snap.State)
	}
}

// CloseSnapshot ends the owner transaction, releasing the exported snapshot.
// It must be called exactly once, after every consumer has imported;
// calling it twice or before PrepareSnapshot is an error.
func (m *Manager) CloseSnapshot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshot == nil {
		return fmt.Errorf("pgconn: no snapshot prepared")
	}
	if m.snapshot.State == StateClosed {
		return fmt.Errorf("pgconn: snapshot already closed")
	}
	if m.snapshot.State == StateNotConsistent {
		m.snapshot.State = StateClosed
		return nil
	}

	var err error
	if m.ownerTx != nil {
		err = m.ownerTx.Commit(ctx)
		m.ownerTx = nil
	}
	if m.ownerConn != nil {
		if cerr := m.ownerConn.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		m.ownerConn = nil
	}
	m.snapshot.State = StateClosed
	m.logger.Info().Int("imports", m.imported).Msg("closed transaction snapshot")
	return err
}
