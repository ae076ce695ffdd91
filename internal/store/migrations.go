package store

import (
	"context"
	"fmt"
)

// Schema evolution is additive only: migrations are appended, never edited.
// Each entry runs once inside its own transaction and is recorded in
// schema_migrations.
var migrations = []string{
	// 1: base schema
	`CREATE TABLE IF NOT EXISTS merchants (
		id                 TEXT PRIMARY KEY,
		xpub               TEXT NOT NULL,
		next_address_index INTEGER NOT NULL DEFAULT 0,
		api_key_hash       TEXT NOT NULL DEFAULT '',
		webhook_url        TEXT NOT NULL DEFAULT '',
		webhook_secret     TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL
	)`,

	// 2: sessions
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		merchant_id        TEXT NOT NULL,
		address            TEXT NOT NULL,
		address_index      INTEGER NOT NULL,
		amount_sompi       TEXT NOT NULL,
		status             TEXT NOT NULL,
		tx_id              TEXT NOT NULL DEFAULT '',
		confirmations      INTEGER NOT NULL DEFAULT 0,
		order_id           TEXT NOT NULL DEFAULT '',
		metadata           TEXT NOT NULL DEFAULT '',
		redirect_url       TEXT NOT NULL DEFAULT '',
		subscription_token TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		expires_at         INTEGER NOT NULL,
		paid_at            INTEGER,
		confirmed_at       INTEGER,
		UNIQUE (merchant_id, address_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_address ON sessions (address)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`,

	// 3: webhook delivery log / durable queue
	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		event        TEXT NOT NULL,
		payload      TEXT NOT NULL,
		delivery_id  TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		status_code  INTEGER,
		response     TEXT NOT NULL DEFAULT '',
		next_retry_at INTEGER,
		claimed_at   INTEGER,
		created_at   INTEGER NOT NULL,
		delivered_at INTEGER,
		UNIQUE (session_id, event)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_logs_next_retry_at ON webhook_logs (next_retry_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := s.WithTx(ctx, func(tx *Tx) error {
			if _, err := tx.exec(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.exec(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				version, nowMillis())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}
