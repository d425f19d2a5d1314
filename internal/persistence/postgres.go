package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists snapshots as JSONB rows keyed by engine id, for
// deployments that run the engine without a writable local disk (the
// DOMAIN STACK's database-of-record option alongside FileBackend).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to dsn and ensures the backing table
// exists. Callers own pool lifetime via Close.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}
	b := &PostgresBackend{pool: pool}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS engine_snapshots (
			engine_id  TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context, engineID string) (*Snapshot, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx,
		`SELECT snapshot FROM engine_snapshots WHERE engine_id = $1`, engineID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("persistence: load %s: %w", engineID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("persistence: decode %s: %w", engineID, err)
	}
	if snap.Version != CurrentVersion {
		return nil, &ErrVersionMismatch{Found: snap.Version, Want: CurrentVersion}
	}
	return &snap, nil
}

func (b *PostgresBackend) Save(ctx context.Context, engineID string, snap *Snapshot) error {
	snap.Version = CurrentVersion
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: encode %s: %w", engineID, err)
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO engine_snapshots (engine_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (engine_id) DO UPDATE SET snapshot = $2, updated_at = now()
	`, engineID, raw)
	if err != nil {
		return fmt.Errorf("persistence: save %s: %w", engineID, err)
	}
	return nil
}

func (b *PostgresBackend) Reset(ctx context.Context, engineID string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM engine_snapshots WHERE engine_id = $1`, engineID)
	if err != nil {
		return fmt.Errorf("persistence: reset %s: %w", engineID, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
