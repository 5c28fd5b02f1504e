// Package journal persists replication decisions to Postgres for audit.
//
// The journal is write-only diagnostics: nothing reads it back at runtime,
// and engine state is never restored from it. It is disabled entirely when
// no DSN is configured.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/mirror-trader/internal/replicate"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS replication_journal (
	recorded_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	destination        TEXT        NOT NULL DEFAULT '',
	source_contract_id TEXT        NOT NULL,
	dest_contract_id   TEXT        NOT NULL DEFAULT '',
	action             TEXT        NOT NULL,
	symbol             TEXT        NOT NULL DEFAULT '',
	volume             DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason             TEXT        NOT NULL DEFAULT ''
)`

const insertSQL = `
INSERT INTO replication_journal
	(destination, source_contract_id, dest_contract_id, action, symbol, volume, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Journal writes replication decisions to a Postgres table.
type Journal struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database and ensures the journal table exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	return &Journal{pool: pool, logger: logger}, nil
}

// Record inserts one decision row. Insert failures are logged, never
// propagated: the journal must not affect replication.
func (j *Journal) Record(ctx context.Context, d replicate.Decision) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := j.pool.Exec(ctx, insertSQL,
		d.Destination,
		d.SourceContractID,
		d.DestContractID,
		d.Action,
		d.Symbol,
		d.Volume,
		d.Reason,
	)
	if err != nil {
		j.logger.Warn("journal insert failed",
			"action", d.Action,
			"contract_id", d.SourceContractID,
			"error", err,
		)
	}
}

// Close releases the connection pool.
func (j *Journal) Close() {
	j.pool.Close()
}
