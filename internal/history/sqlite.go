package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS selector_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	selected_key TEXT NOT NULL DEFAULT '',
	model_provider TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	account TEXT NOT NULL DEFAULT '',
	lock_wait_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_selector_events_at ON selector_events(at_ms);
`

type sqliteBackend struct {
	path string
	db   *sql.DB
}

func newSqliteBackend(path string) *sqliteBackend {
	return &sqliteBackend{path: path}
}

func (b *sqliteBackend) init(ctx context.Context) error {
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := sql.Open("sqlite", b.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return err
	}
	b.db = db
	return nil
}

func (b *sqliteBackend) writeBatch(ctx context.Context, events []Event) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO selector_events
		(at_ms, kind, reason, selected_key, model_provider, model_id, provider, account, lock_wait_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.At.UnixMilli(), ev.Kind, ev.Reason, ev.SelectedKey,
			ev.ModelProvider, ev.ModelID, ev.Provider, ev.Account, ev.LockWaitMs,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM selector_events WHERE at_ms < ?`, olderThan.UnixMilli())
	return err
}

func (b *sqliteBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
