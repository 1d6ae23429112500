package pgconn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const defaultConnectTimeout = 30 * time.Second

// OpenPool opens and pings a pgxpool against dsn.
func OpenPool(ctx context.Context, dsn, label string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", label, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s pool ping: %w", label, err)
	}
	logger.Info().Str("target", label).Msg("connection pool established")
	return pool, nil
}

// OpenReplicationConn opens a dedicated connection in replication mode,
// used by the CDC receive stage and when creating the replication slot
// that backs the initial snapshot.
func OpenReplicationConn(ctx context.Context, dsn string) (*pgconn.PgConn, error) {
	connCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	conn, err := pgconn.Connect(connCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}
	return conn, nil
}
