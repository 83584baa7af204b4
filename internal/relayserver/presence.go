package relayserver

import (
	"sort"
	"sync"

	"github.com/lantern-chat/lantern/internal/frame"
)

// presenceEntry is one device's live state in the Relay (§4.4 "presence
// table invariants").
type presenceEntry struct {
	profile     frame.ProfilePayload
	connectedAt int64
	lastSeenAt  int64
}

// presenceTable is the Relay's in-memory map of live peers, guarded by an
// RWMutex with a monotonic revision counter, grounded on the teacher's
// ChannelState (server/internal/core/channel_state.go).
type presenceTable struct {
	mu       sync.RWMutex
	byDevice map[string]*presenceEntry
	revision uint64
}

func newPresenceTable() *presenceTable {
	return &presenceTable{byDevice: make(map[string]*presenceEntry)}
}

// upsert registers or replaces a device's presence entry and bumps the
// revision. Returns the new revision.
func (p *presenceTable) upsert(deviceID string, profile frame.ProfilePayload, now int64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byDevice[deviceID]; ok {
		e.profile = profile
		e.lastSeenAt = now
	} else {
		p.byDevice[deviceID] = &presenceEntry{profile: profile, connectedAt: now, lastSeenAt: now}
	}
	p.revision++
	return p.revision
}

// remove deletes a device's presence entry. Returns the new revision and
// whether the device was present.
func (p *presenceTable) remove(deviceID string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byDevice[deviceID]; !ok {
		return p.revision, false
	}
	delete(p.byDevice, deviceID)
	p.revision++
	return p.revision, true
}

// touch advances lastSeenAt for a live device without bumping the
// revision — liveness pings don't reorder presence (§4.4 c).
func (p *presenceTable) touch(deviceID string, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byDevice[deviceID]; ok {
		e.lastSeenAt = now
	}
}

// isLive reports whether deviceID currently has a live session.
func (p *presenceTable) isLive(deviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byDevice[deviceID]
	return ok
}

// snapshot returns every live peer in stable order plus the current
// revision.
func (p *presenceTable) snapshot() ([]frame.PresencePeer, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]frame.PresencePeer, 0, len(p.byDevice))
	for id, e := range p.byDevice {
		out = append(out, toPresencePeer(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, p.revision
}

// idleSince returns device ids whose lastSeenAt is older than cutoff
// (§4.4 d: "a session idle > 45s is terminated").
func (p *presenceTable) idleSince(cutoff int64) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ids []string
	for id, e := range p.byDevice {
		if e.lastSeenAt < cutoff {
			ids = append(ids, id)
		}
	}
	return ids
}

// count returns the number of live sessions.
func (p *presenceTable) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byDevice)
}

func toPresencePeer(deviceID string, e *presenceEntry) frame.PresencePeer {
	return frame.PresencePeer{
		DeviceID:      deviceID,
		DisplayName:   e.profile.DisplayName,
		AvatarEmoji:   e.profile.AvatarEmoji,
		AvatarBg:      e.profile.AvatarBg,
		StatusMessage: e.profile.StatusMessage,
		AppVersion:    e.profile.AppVersion,
		LastSeenAt:    e.lastSeenAt,
	}
}
