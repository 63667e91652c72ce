package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS selector_events (
	id BIGSERIAL PRIMARY KEY,
	at_ms BIGINT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	selected_key TEXT NOT NULL DEFAULT '',
	model_provider TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	account TEXT NOT NULL DEFAULT '',
	lock_wait_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_selector_events_at ON selector_events(at_ms);
`

type postgresBackend struct {
	dsn  string
	pool *pgxpool.Pool
}

func newPostgresBackend(dsn string) *postgresBackend {
	return &postgresBackend{dsn: dsn}
}

func (b *postgresBackend) init(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(b.dsn)
	if err != nil {
		return err
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return err
	}
	b.pool = pool
	return nil
}

func (b *postgresBackend) writeBatch(ctx context.Context, events []Event) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`INSERT INTO selector_events
			(at_ms, kind, reason, selected_key, model_provider, model_id, provider, account, lock_wait_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.At.UnixMilli(), ev.Kind, ev.Reason, ev.SelectedKey,
			ev.ModelProvider, ev.ModelID, ev.Provider, ev.Account, ev.LockWaitMs)
	}
	return b.pool.SendBatch(ctx, batch).Close()
}

func (b *postgresBackend) cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM selector_events WHERE at_ms < $1`, olderThan.UnixMilli())
	return err
}

func (b *postgresBackend) close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}
