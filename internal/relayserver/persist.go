package relayserver

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// announcementStore is the Relay's own small embedded database for
// surviving a restart without losing the announcements ring. It follows
// the same ordered-migrations convention as internal/store, scoped to the
// Relay's own concern instead of a client device's (§4.4, §6 "persist").
type announcementStore struct {
	db *sql.DB
}

var announcementMigrations = []string{
	`CREATE TABLE IF NOT EXISTS announcements (
		message_id  TEXT PRIMARY KEY,
		from_device TEXT NOT NULL,
		frame_json  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS announcement_reactions (
		message_id        TEXT NOT NULL,
		reactor_device_id TEXT NOT NULL,
		emoji             TEXT NOT NULL,
		PRIMARY KEY (message_id, reactor_device_id)
	)`,
}

// openAnnouncementStore opens (or creates) the Relay's sqlite database at
// path, applying pending migrations. Use ":memory:" for ephemeral testing.
func openAnnouncementStore(path string) (*announcementStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open announcements database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &announcementStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *announcementStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count schema_migrations: %w", err)
	}
	for i := applied; i < len(announcementMigrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, announcementMigrations[i]); err != nil {
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

func (s *announcementStore) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *announcementStore) put(messageID, fromDevice, frameJSON string, createdAt, expiresAt int64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO announcements (message_id, from_device, frame_json, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		messageID, fromDevice, frameJSON, createdAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("persist announcement %s: %w", messageID, err)
	}
	return nil
}

func (s *announcementStore) delete(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM announcement_reactions WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete announcement reactions %s: %w", messageID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM announcements WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete announcement %s: %w", messageID, err)
	}
	return nil
}

func (s *announcementStore) putReaction(messageID, reactorDeviceID, emoji string) error {
	if emoji == "" {
		_, err := s.db.Exec(`DELETE FROM announcement_reactions WHERE message_id = ? AND reactor_device_id = ?`, messageID, reactorDeviceID)
		if err != nil {
			return fmt.Errorf("delete announcement reaction: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO announcement_reactions (message_id, reactor_device_id, emoji) VALUES (?, ?, ?)
		 ON CONFLICT(message_id, reactor_device_id) DO UPDATE SET emoji = excluded.emoji`,
		messageID, reactorDeviceID, emoji,
	)
	if err != nil {
		return fmt.Errorf("persist announcement reaction: %w", err)
	}
	return nil
}

type announcementRow struct {
	MessageID  string
	FromDevice string
	FrameJSON  string
	CreatedAt  int64
	ExpiresAt  int64
}

func (s *announcementStore) loadAll() ([]announcementRow, error) {
	rows, err := s.db.Query(`SELECT message_id, from_device, frame_json, created_at, expires_at FROM announcements ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load announcements: %w", err)
	}
	defer rows.Close()

	var out []announcementRow
	for rows.Next() {
		var r announcementRow
		if err := rows.Scan(&r.MessageID, &r.FromDevice, &r.FrameJSON, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan announcement row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *announcementStore) loadReactions(messageID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT reactor_device_id, emoji FROM announcement_reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("load announcement reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var reactor, emoji string
		if err := rows.Scan(&reactor, &emoji); err != nil {
			return nil, fmt.Errorf("scan announcement reaction row: %w", err)
		}
		out[reactor] = emoji
	}
	return out, rows.Err()
}
