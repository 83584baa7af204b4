package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ConversationKind distinguishes the single global announcements
// conversation from per-peer DM conversations (§3).
type ConversationKind string

const (
	KindAnnouncements ConversationKind = "announcements"
	KindDM            ConversationKind = "dm"
)

// AnnouncementsConversationID is the fixed id of the one global
// announcements conversation.
const AnnouncementsConversationID = "announcements"

// DMConversationID builds the stable id "dm:<peerDeviceId>" for a DM.
func DMConversationID(peerDeviceID string) string {
	return "dm:" + peerDeviceID
}

// Conversation is a DM or the global announcements thread (§3).
type Conversation struct {
	ID            string
	Kind          ConversationKind
	PeerDeviceID  string // empty for announcements
	Title         string
	CreatedAt     int64
	UpdatedAt     int64
	UnreadCount   int
}

// EnsureAnnouncementsConversation creates the single announcements
// conversation if it does not already exist.
func (s *Store) EnsureAnnouncementsConversation(now int64) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO conversations
		(id, kind, peer_device_id, title, created_at, updated_at, unread_count)
		VALUES (?, ?, NULL, ?, ?, ?, 0)`,
		AnnouncementsConversationID, KindAnnouncements, "Announcements", now, now)
	if err != nil {
		return fmt.Errorf("ensure announcements conversation: %w", err)
	}
	return nil
}

// EnsureDMConversation creates a DM conversation on demand (§3 invariant:
// created when a DM frame is sent or received).
func (s *Store) EnsureDMConversation(peerDeviceID, title string, now int64) (string, error) {
	id := DMConversationID(peerDeviceID)
	_, err := s.db.Exec(`INSERT OR IGNORE INTO conversations
		(id, kind, peer_device_id, title, created_at, updated_at, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, KindDM, peerDeviceID, title, now, now)
	if err != nil {
		return "", fmt.Errorf("ensure dm conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var peer sql.NullString
	err := s.db.QueryRow(`SELECT id, kind, peer_device_id, title, created_at, updated_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &peer, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.UnreadCount)
	if err != nil {
		return Conversation{}, err
	}
	c.PeerDeviceID = peer.String
	return c, nil
}

// ListConversations returns every conversation.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT id, kind, peer_device_id, title, created_at, updated_at, unread_count
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var peer sql.NullString
		if err := rows.Scan(&c.ID, &c.Kind, &peer, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.PeerDeviceID = peer.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// touchConversation bumps updatedAt on write (called within the same
// transaction as the message insert by saveMessage).
func touchConversation(tx execer, conversationID string, now int64) error {
	_, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

// ClearConversation deletes all message and reaction rows for a
// conversation and returns the managed attachment paths that existed, for
// the caller to delete on disk (§4.2).
func (s *Store) ClearConversation(id string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin clear conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT file_path FROM messages WHERE conversation_id = ? AND file_path IS NOT NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("collect attachment paths: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attachment path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id IN
		(SELECT message_id FROM messages WHERE conversation_id = ?)`, id); err != nil {
		return nil, fmt.Errorf("delete reactions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear conversation: %w", err)
	}
	return paths, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

var errConversationNotFound = errors.New("conversation not found")
