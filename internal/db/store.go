// Package db mirrors sandbox records and lifecycle events to PostgreSQL.
// The service runs fully without it; when FCSANDBOX_DATABASE_URL is set,
// the mirror gives operators a queryable history across restarts.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fcsandbox/fcsandbox/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
    sandbox_id   TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    template     TEXT NOT NULL,
    memory_mib   INTEGER NOT NULL,
    vcpu_count   INTEGER NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sandbox_events (
    id         BIGSERIAL PRIMARY KEY,
    sandbox_id TEXT NOT NULL,
    event      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sandbox_events_sandbox ON sandbox_events (sandbox_id, created_at);
`

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to PostgreSQL and verifies the connection.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertSandbox writes the current descriptor.
func (s *Store) UpsertSandbox(ctx context.Context, sb *types.Sandbox) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandboxes (sandbox_id, workspace_id, template, memory_mib, vcpu_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (sandbox_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		sb.ID, sb.WorkspaceID, sb.Template, sb.MemoryMiB, sb.VCPUCount, string(sb.Status), sb.CreatedAt)
	return err
}

// RecordEvent appends one lifecycle event.
func (s *Store) RecordEvent(ctx context.Context, sandboxID, event string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_events (sandbox_id, event) VALUES ($1, $2)`,
		sandboxID, event)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
