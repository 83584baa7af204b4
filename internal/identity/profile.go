// Package identity manages Lantern's local device profile and the merged
// view of remote peers (§4.8): the four-overlay merge of live Relay
// presence, the local peer cache, the forgotten set, and manually-added
// peers.
package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-chat/lantern/internal/store"
)

// Profile is the local device's identity, mirroring store.Profile.
type Profile struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
}

// LoadOrCreate returns the local profile, creating one with a fresh uuid
// deviceId on first launch (§3, §6 device identity). defaults seeds the
// display name/avatar for a first-time profile.
func LoadOrCreate(st *store.Store, defaults Profile, now time.Time) (Profile, error) {
	p, err := st.GetProfile()
	if err == nil {
		return fromStore(p), nil
	}
	if err != store.ErrNoProfile {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}

	id := defaults.DeviceID
	if id == "" {
		id = uuid.NewString()
	}
	ts := now.UnixMilli()
	row := store.Profile{
		DeviceID:      id,
		DisplayName:   defaults.DisplayName,
		AvatarEmoji:   defaults.AvatarEmoji,
		AvatarBg:      defaults.AvatarBg,
		StatusMessage: defaults.StatusMessage,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := st.CreateProfile(row); err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return fromStore(row), nil
}

// Update persists a profile change and bumps updatedAt.
func Update(st *store.Store, p Profile, now time.Time) error {
	row := store.Profile{
		DeviceID:      p.DeviceID,
		DisplayName:   p.DisplayName,
		AvatarEmoji:   p.AvatarEmoji,
		AvatarBg:      p.AvatarBg,
		StatusMessage: p.StatusMessage,
		UpdatedAt:     now.UnixMilli(),
	}
	if err := st.UpdateProfile(row); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func fromStore(p store.Profile) Profile {
	return Profile{
		DeviceID:      p.DeviceID,
		DisplayName:   p.DisplayName,
		AvatarEmoji:   p.AvatarEmoji,
		AvatarBg:      p.AvatarBg,
		StatusMessage: p.StatusMessage,
	}
}
