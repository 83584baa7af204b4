package store

import "fmt"

// UpsertReaction sets or replaces the reactor's reaction to a message
// (composite key messageId, reactorDeviceId). Pass emoji == "" to delete
// instead (§3 upsert-or-delete semantics).
func (s *Store) UpsertReaction(messageID, reactorDeviceID, emoji string) error {
	if emoji == "" {
		return s.DeleteReaction(messageID, reactorDeviceID)
	}
	_, err := s.db.Exec(`INSERT INTO reactions (message_id, reactor_device_id, emoji)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, reactor_device_id) DO UPDATE SET emoji = excluded.emoji`,
		messageID, reactorDeviceID, emoji)
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// DeleteReaction removes one reactor's reaction to a message.
func (s *Store) DeleteReaction(messageID, reactorDeviceID string) error {
	_, err := s.db.Exec(`DELETE FROM reactions WHERE message_id = ? AND reactor_device_id = ?`,
		messageID, reactorDeviceID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// ReactionsFor returns all reactions on a message as reactorDeviceId ->
// emoji.
func (s *Store) ReactionsFor(messageID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT reactor_device_id, emoji FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reactions for: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var reactor, emoji string
		if err := rows.Scan(&reactor, &emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out[reactor] = emoji
	}
	return out, rows.Err()
}
