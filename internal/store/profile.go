package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Profile is the local device's identity (§3).
type Profile struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
	CreatedAt     int64
	UpdatedAt     int64
}

// ErrNoProfile is returned when no profile row has been created yet.
var ErrNoProfile = errors.New("profile not created")

// GetProfile returns the single profile row, or ErrNoProfile if none exists.
func (s *Store) GetProfile() (Profile, error) {
	var p Profile
	err := s.db.QueryRow(`SELECT device_id, display_name, avatar_emoji, avatar_bg,
		status_message, created_at, updated_at FROM profile WHERE id = 1`).
		Scan(&p.DeviceID, &p.DisplayName, &p.AvatarEmoji, &p.AvatarBg,
			&p.StatusMessage, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNoProfile
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// CreateProfile inserts the initial profile row on first launch. It is an
// error to call this when a profile already exists.
func (s *Store) CreateProfile(p Profile) error {
	_, err := s.db.Exec(`INSERT INTO profile (id, device_id, display_name, avatar_emoji,
		avatar_bg, status_message, created_at, updated_at) VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.DisplayName, p.AvatarEmoji, p.AvatarBg, p.StatusMessage, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// UpdateProfile mutates the profile row via explicit user update, bumping
// updatedAt.
func (s *Store) UpdateProfile(p Profile) error {
	_, err := s.db.Exec(`UPDATE profile SET display_name = ?, avatar_emoji = ?, avatar_bg = ?,
		status_message = ?, updated_at = ? WHERE id = 1`,
		p.DisplayName, p.AvatarEmoji, p.AvatarBg, p.StatusMessage, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}
