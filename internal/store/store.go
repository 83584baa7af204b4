// Package store provides the client's durable local state: profile, peer
// cache, conversations, messages, reactions, and settings (§3, §4.2). It is
// backed by an embedded SQLite database and migrated with an ordered,
// idempotent list of DDL/DML statements.
//
// Migration design follows the teacher's convention: SQL statements live in
// the [migrations] slice as ordered strings, each applied exactly once; the
// applied count is tracked in schema_migrations. To add a migration, append
// a new string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1. Statements must be
// idempotent so they can run safely against pre-existing databases (§6).
var migrations = []string{
	// v1 — profile (single row, id=1)
	`CREATE TABLE IF NOT EXISTS profile (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		device_id      TEXT NOT NULL,
		display_name   TEXT NOT NULL DEFAULT '',
		avatar_emoji   TEXT NOT NULL DEFAULT '',
		avatar_bg      TEXT NOT NULL DEFAULT '',
		status_message TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	// v2 — peer cache
	`CREATE TABLE IF NOT EXISTS peers (
		device_id      TEXT PRIMARY KEY,
		display_name   TEXT NOT NULL DEFAULT '',
		avatar_emoji   TEXT NOT NULL DEFAULT '',
		avatar_bg      TEXT NOT NULL DEFAULT '',
		status_message TEXT NOT NULL DEFAULT '',
		app_version    TEXT NOT NULL DEFAULT '',
		last_seen_at   INTEGER NOT NULL DEFAULT 0,
		source         TEXT NOT NULL DEFAULT 'cache',
		host           TEXT NOT NULL DEFAULT '',
		port           INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — conversations
	`CREATE TABLE IF NOT EXISTS conversations (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		peer_device_id TEXT,
		title          TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		unread_count   INTEGER NOT NULL DEFAULT 0,
		last_created_at INTEGER NOT NULL DEFAULT 0
	)`,
	// v4 — messages (v5 is its index, right after)
	`CREATE TABLE IF NOT EXISTS messages (
		message_id          TEXT PRIMARY KEY,
		conversation_id     TEXT NOT NULL,
		direction           TEXT NOT NULL,
		sender_device_id    TEXT NOT NULL,
		receiver_device_id  TEXT,
		type                TEXT NOT NULL,
		body_text           TEXT,
		file_id             TEXT,
		file_name           TEXT,
		file_size           INTEGER,
		file_sha256         TEXT,
		file_path           TEXT,
		status              TEXT,
		reaction            TEXT,
		deleted_at          INTEGER,
		created_at          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at)`,
	// v6 — reactions
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id        TEXT NOT NULL,
		reactor_device_id TEXT NOT NULL,
		emoji             TEXT NOT NULL,
		PRIMARY KEY (message_id, reactor_device_id)
	)`,
	// v7 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v8 — forgotten peer state
	`CREATE TABLE IF NOT EXISTS forgotten_peers (
		device_id          TEXT PRIMARY KEY,
		waiting_for_offline INTEGER NOT NULL DEFAULT 1,
		updated_at         INTEGER NOT NULL
	)`,
	// v9, v10 — pragma tuning
	`PRAGMA journal_mode=WAL`,
	`PRAGMA foreign_keys=ON`,
}

// Store wraps a SQLite database and exposes the client's local persistence
// operations (§4.2).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests). Only failures here are fatal to the process (§7 Lifecycle).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer store (§5)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("local store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count schema_migrations: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		if strings.HasPrefix(migrations[i], "PRAGMA") {
			// SQLite refuses to switch journal mode inside a transaction.
			if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
				return fmt.Errorf("apply migration %d: %w", i+1, err)
			}
			if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
				return fmt.Errorf("record migration %d: %w", i+1, err)
			}
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
