package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ForgottenPeer mirrors §3's ForgottenPeerState: a peer just forgotten is
// hidden until the Relay reports it offline at least once.
type ForgottenPeer struct {
	DeviceID          string
	WaitingForOffline bool
	UpdatedAt         int64
}

// PutForgottenPeer inserts or replaces a forgotten-peer row.
func (s *Store) PutForgottenPeer(p ForgottenPeer) error {
	_, err := s.db.Exec(`INSERT INTO forgotten_peers (device_id, waiting_for_offline, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET waiting_for_offline = excluded.waiting_for_offline,
			updated_at = excluded.updated_at`,
		p.DeviceID, boolToInt(p.WaitingForOffline), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put forgotten peer: %w", err)
	}
	return nil
}

// GetForgottenPeer returns a forgotten-peer row, or (ForgottenPeer{}, false).
func (s *Store) GetForgottenPeer(deviceID string) (ForgottenPeer, bool, error) {
	var p ForgottenPeer
	var waiting int
	err := s.db.QueryRow(`SELECT device_id, waiting_for_offline, updated_at FROM forgotten_peers WHERE device_id = ?`, deviceID).
		Scan(&p.DeviceID, &waiting, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ForgottenPeer{}, false, nil
	}
	if err != nil {
		return ForgottenPeer{}, false, fmt.Errorf("get forgotten peer: %w", err)
	}
	p.WaitingForOffline = waiting != 0
	return p, true, nil
}

// ListForgottenPeers returns every forgotten-peer row.
func (s *Store) ListForgottenPeers() ([]ForgottenPeer, error) {
	rows, err := s.db.Query(`SELECT device_id, waiting_for_offline, updated_at FROM forgotten_peers`)
	if err != nil {
		return nil, fmt.Errorf("list forgotten peers: %w", err)
	}
	defer rows.Close()

	var out []ForgottenPeer
	for rows.Next() {
		var p ForgottenPeer
		var waiting int
		if err := rows.Scan(&p.DeviceID, &waiting, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan forgotten peer: %w", err)
		}
		p.WaitingForOffline = waiting != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteForgottenPeer removes a forgotten-peer row (on expiry).
func (s *Store) DeleteForgottenPeer(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM forgotten_peers WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete forgotten peer: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
