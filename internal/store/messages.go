package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Direction is the message's relation to the local device (§3).
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageType is the closed set of message kinds (§3).
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageFile         MessageType = "file"
	MessageAnnouncement MessageType = "announcement"
)

// MessageStatus tracks delivery outcome; "" (null) means not yet applicable.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for "latest wins" merge precedence:
// delivered > sent > failed (§4.2).
var statusRank = map[MessageStatus]int{
	StatusDelivered: 3,
	StatusSent:      2,
	StatusFailed:    1,
	"":              0,
}

// Message is a persisted chat/file/announcement row (§3).
type Message struct {
	MessageID        string
	ConversationID   string
	Direction        Direction
	SenderDeviceID   string
	ReceiverDeviceID string // "" when not applicable
	Type             MessageType
	BodyText         sql.NullString
	FileID           sql.NullString
	FileName         sql.NullString
	FileSize         sql.NullInt64
	FileSHA256       sql.NullString
	FilePath         sql.NullString
	Status           MessageStatus
	Reaction         sql.NullString
	DeletedAt        sql.NullInt64
	CreatedAt        int64
}

// ReserveConversationTimestamp returns max(proposed, lastInConversation+1),
// preserving strict per-conversation ordering (§3 invariant b, §4.2).
func (s *Store) ReserveConversationTimestamp(conversationID string, proposed int64) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reserve timestamp: %w", err)
	}
	if !last.Valid {
		return proposed, nil
	}
	if proposed <= last.Int64 {
		return last.Int64 + 1, nil
	}
	return proposed, nil
}

// SaveMessage inserts row if unseen (by messageId) and bumps the
// conversation's updatedAt. It never errors on a duplicate messageId —
// saveMessage is idempotent (§3 invariant a, §4.2, §8 property 1).
// Returns true if a new row was inserted.
func (s *Store) SaveMessage(row Message) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin save message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT OR IGNORE INTO messages
		(message_id, conversation_id, direction, sender_device_id, receiver_device_id,
		 type, body_text, file_id, file_name, file_size, file_sha256, file_path,
		 status, reaction, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.MessageID, row.ConversationID, row.Direction, row.SenderDeviceID, nullIfEmpty(row.ReceiverDeviceID),
		row.Type, row.BodyText, row.FileID, row.FileName, row.FileSize, row.FileSHA256, row.FilePath,
		nullIfEmptyStatus(row.Status), row.Reaction, row.DeletedAt, row.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	inserted := n > 0

	if inserted {
		if err := touchConversation(tx, row.ConversationID, row.CreatedAt); err != nil {
			return false, fmt.Errorf("touch conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save message: %w", err)
	}
	return inserted, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfEmptyStatus(s MessageStatus) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(s), Valid: true}
}

// GetMessage fetches a single message row by id.
func (s *Store) GetMessage(messageID string) (Message, error) {
	var m Message
	err := s.db.QueryRow(`SELECT message_id, conversation_id, direction, sender_device_id,
		COALESCE(receiver_device_id, ''), type, body_text, file_id, file_name, file_size,
		file_sha256, file_path, COALESCE(status, ''), reaction, deleted_at, created_at
		FROM messages WHERE message_id = ?`, messageID).Scan(
		&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID, &m.ReceiverDeviceID,
		&m.Type, &m.BodyText, &m.FileID, &m.FileName, &m.FileSize, &m.FileSHA256, &m.FilePath,
		&m.Status, &m.Reaction, &m.DeletedAt, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns every message in a conversation, oldest first.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT message_id, conversation_id, direction, sender_device_id,
		COALESCE(receiver_device_id, ''), type, body_text, file_id, file_name, file_size,
		file_sha256, file_path, COALESCE(status, ''), reaction, deleted_at, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID,
			&m.ReceiverDeviceID, &m.Type, &m.BodyText, &m.FileID, &m.FileName, &m.FileSize,
			&m.FileSHA256, &m.FilePath, &m.Status, &m.Reaction, &m.DeletedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagePatch carries the sync-mergeable fields of a message row; nil
// fields are left untouched (§4.2).
type MessagePatch struct {
	FileID     *string
	FileName   *string
	FileSize   *int64
	FileSHA256 *string
	FilePath   *string
	Status     *MessageStatus
	Reaction   *string // nil = untouched; pointer to "" means clear
	DeletedAt  *int64
}

// MergeMessageStateFromSync applies patch onto the existing row: only
// non-nil file fields, status replaced by latest-wins precedence
// (delivered > sent > failed), reaction replaced, deletedAt applied
// (§4.2). No-op if the message does not exist.
func (s *Store) MergeMessageStateFromSync(messageID string, patch MessagePatch) error {
	existing, err := s.GetMessage(messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: get existing: %w", err)
	}

	fileID, fileName, fileSize, fileSHA, filePath := existing.FileID, existing.FileName, existing.FileSize, existing.FileSHA256, existing.FilePath
	if patch.FileID != nil {
		fileID = sql.NullString{String: *patch.FileID, Valid: true}
	}
	if patch.FileName != nil {
		fileName = sql.NullString{String: *patch.FileName, Valid: true}
	}
	if patch.FileSize != nil {
		fileSize = sql.NullInt64{Int64: *patch.FileSize, Valid: true}
	}
	if patch.FileSHA256 != nil {
		fileSHA = sql.NullString{String: *patch.FileSHA256, Valid: true}
	}
	if patch.FilePath != nil {
		filePath = sql.NullString{String: *patch.FilePath, Valid: true}
	}

	status := existing.Status
	if patch.Status != nil && statusRank[*patch.Status] >= statusRank[status] {
		status = *patch.Status
	}

	reaction := existing.Reaction
	if patch.Reaction != nil {
		if *patch.Reaction == "" {
			reaction = sql.NullString{}
		} else {
			reaction = sql.NullString{String: *patch.Reaction, Valid: true}
		}
	}

	deletedAt := existing.DeletedAt
	if patch.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: *patch.DeletedAt, Valid: true}
	}

	_, err = s.db.Exec(`UPDATE messages SET file_id = ?, file_name = ?, file_size = ?,
		file_sha256 = ?, file_path = ?, status = ?, reaction = ?, deleted_at = ?
		WHERE message_id = ?`,
		fileID, fileName, fileSize, fileSHA, filePath, nullIfEmptyStatus(status), reaction, deletedAt, messageID)
	if err != nil {
		return fmt.Errorf("merge update: %w", err)
	}
	return nil
}

// DeleteMessageForEveryone writes a tombstone: body/file fields cleared,
// messageId/createdAt preserved, deletedAt set. Caller must additionally
// gossip a chat:delete frame (§4.2).
func (s *Store) DeleteMessageForEveryone(messageID string, deletedAt int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE messages SET body_text = NULL, file_id = NULL, file_name = NULL,
		file_size = NULL, file_sha256 = NULL, file_path = NULL, reaction = NULL, deleted_at = ?
		WHERE message_id = ?`, deletedAt, messageID); err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("cascade delete reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// SearchConversationMessageIds performs a case-insensitive substring search
// over body and file name, escaping %, _ and \ in the query (§4.2).
func (s *Store) SearchConversationMessageIds(conversationID, query string, limit int) ([]string, error) {
	escaped := escapeLike(query)
	pattern := "%" + escaped + "%"
	rows, err := s.db.Query(`SELECT message_id FROM messages
		WHERE conversation_id = ?
		AND (
			LOWER(COALESCE(body_text, '')) LIKE LOWER(?) ESCAPE '\'
			OR LOWER(COALESCE(file_name, '')) LIKE LOWER(?) ESCAPE '\'
		)
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?`, conversationID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// escapeLike escapes %, _ and \ for a LIKE pattern using \ as the escape
// character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// LatestCreatedAt returns the most recent createdAt in a conversation, or 0
// if empty.
func (s *Store) LatestCreatedAt(conversationID string) (int64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest created at: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Int64, nil
}

// MessagesSince returns DM messages of type text/file created after since,
// ordered by (createdAt, messageId), up to limit rows (§4.7).
func (s *Store) MessagesSince(conversationID string, since int64, limit int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT message_id, conversation_id, direction, sender_device_id,
		COALESCE(receiver_device_id, ''), type, body_text, file_id, file_name, file_size,
		file_sha256, file_path, COALESCE(status, ''), reaction, deleted_at, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at > ? AND type IN ('text', 'file')
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?`, conversationID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID,
			&m.ReceiverDeviceID, &m.Type, &m.BodyText, &m.FileID, &m.FileName, &m.FileSize,
			&m.FileSHA256, &m.FilePath, &m.Status, &m.Reaction, &m.DeletedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageStatus sets a message's delivery status directly (used when
// a chat:ack arrives).
func (s *Store) UpdateMessageStatus(messageID string, status MessageStatus) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE message_id = ?`, nullIfEmptyStatus(status), messageID)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// ListFailedTextMessages returns outgoing failed text messages for a
// conversation, oldest first (§4.6 retryFailedMessagesForPeer).
func (s *Store) ListFailedTextMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT message_id, conversation_id, direction, sender_device_id,
		COALESCE(receiver_device_id, ''), type, body_text, file_id, file_name, file_size,
		file_sha256, file_path, COALESCE(status, ''), reaction, deleted_at, created_at
		FROM messages
		WHERE conversation_id = ? AND direction = 'out' AND type = 'text' AND status = 'failed'
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list failed messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID,
			&m.ReceiverDeviceID, &m.Type, &m.BodyText, &m.FileID, &m.FileName, &m.FileSize,
			&m.FileSHA256, &m.FilePath, &m.Status, &m.Reaction, &m.DeletedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPendingFileMessages returns outgoing file messages whose status is
// not delivered, oldest first (§4.6 replayPendingFilesForPeer). Callers
// must additionally check the local path still exists.
func (s *Store) ListPendingFileMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT message_id, conversation_id, direction, sender_device_id,
		COALESCE(receiver_device_id, ''), type, body_text, file_id, file_name, file_size,
		file_sha256, file_path, COALESCE(status, ''), reaction, deleted_at, created_at
		FROM messages
		WHERE conversation_id = ? AND direction = 'out' AND type = 'file'
		  AND COALESCE(status, '') != 'delivered'
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list pending file messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Direction, &m.SenderDeviceID,
			&m.ReceiverDeviceID, &m.Type, &m.BodyText, &m.FileID, &m.FileName, &m.FileSize,
			&m.FileSHA256, &m.FilePath, &m.Status, &m.Reaction, &m.DeletedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
