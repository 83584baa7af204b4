package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PeerSource identifies where a Peer observation came from (§3).
type PeerSource string

const (
	SourceRelay  PeerSource = "relay"
	SourceMDNS   PeerSource = "mdns"
	SourceUDP    PeerSource = "udp"
	SourceManual PeerSource = "manual"
	SourceCache  PeerSource = "cache"
)

// sourcePriority ranks sources for merge resolution: relay > manual > udp >
// mdns > cache (§3).
var sourcePriority = map[PeerSource]int{
	SourceRelay:  5,
	SourceManual: 4,
	SourceUDP:    3,
	SourceMDNS:   2,
	SourceCache:  1,
}

// Priority returns the merge-ordering rank of a source; unknown sources
// rank below cache.
func Priority(s PeerSource) int {
	if p, ok := sourcePriority[s]; ok {
		return p
	}
	return 0
}

// Peer is an observed remote device (§3).
type Peer struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
	AppVersion    string
	LastSeenAt    int64
	Source        PeerSource
	Host          string
	Port          int
}

// MergeWins reports whether candidate should replace existing under the
// (source priority, lastSeenAt) ordering from §3: higher priority wins; on
// equal priority, newer lastSeenAt wins.
func MergeWins(existing, candidate Peer) bool {
	pe, pc := Priority(existing.Source), Priority(candidate.Source)
	if pc != pe {
		return pc > pe
	}
	return candidate.LastSeenAt > existing.LastSeenAt
}

// GetPeer returns the cached peer row for deviceID, or sql.ErrNoRows.
func (s *Store) GetPeer(deviceID string) (Peer, error) {
	var p Peer
	err := s.db.QueryRow(`SELECT device_id, display_name, avatar_emoji, avatar_bg,
		status_message, app_version, last_seen_at, source, host, port
		FROM peers WHERE device_id = ?`, deviceID).
		Scan(&p.DeviceID, &p.DisplayName, &p.AvatarEmoji, &p.AvatarBg, &p.StatusMessage,
			&p.AppVersion, &p.LastSeenAt, &p.Source, &p.Host, &p.Port)
	if err != nil {
		return Peer{}, err
	}
	return p, nil
}

// UpsertPeer writes candidate into the cache if it wins the merge against
// any existing row (or if there is none).
func (s *Store) UpsertPeer(candidate Peer) error {
	existing, err := s.GetPeer(candidate.DeviceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get peer: %w", err)
	}
	if err == nil && !MergeWins(existing, candidate) {
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO peers (device_id, display_name, avatar_emoji, avatar_bg,
		status_message, app_version, last_seen_at, source, host, port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_emoji = excluded.avatar_emoji,
			avatar_bg = excluded.avatar_bg,
			status_message = excluded.status_message,
			app_version = excluded.app_version,
			last_seen_at = excluded.last_seen_at,
			source = excluded.source,
			host = excluded.host,
			port = excluded.port`,
		candidate.DeviceID, candidate.DisplayName, candidate.AvatarEmoji, candidate.AvatarBg,
		candidate.StatusMessage, candidate.AppVersion, candidate.LastSeenAt, candidate.Source,
		candidate.Host, candidate.Port)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// ListPeers returns every cached peer.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT device_id, display_name, avatar_emoji, avatar_bg,
		status_message, app_version, last_seen_at, source, host, port FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.DeviceID, &p.DisplayName, &p.AvatarEmoji, &p.AvatarBg,
			&p.StatusMessage, &p.AppVersion, &p.LastSeenAt, &p.Source, &p.Host, &p.Port); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePeer deletes the cache row for deviceID (used when forgetting a peer).
func (s *Store) RemovePeer(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	return nil
}
