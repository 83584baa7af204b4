package relayserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lantern-chat/lantern/internal/frame"
)

// announcementTTL is how long an announcement stays live after creation
// (§4.4: "assign TTL = createdAt + 24h").
const announcementTTL = 24 * time.Hour

// announcementSweepInterval bounds how often expired entries are pruned
// (§4.4: "periodic sweep (every ≤ 60s)").
const announcementSweepInterval = 60 * time.Second

type ringEntry struct {
	frame     frame.Frame
	reactions map[string]string // reactorDeviceId -> emoji
	expiresAt int64
}

// announcementRing holds every live (non-expired) announcement frame and
// its reactions, persisted to survive a Relay restart. Grounded on the
// teacher's ticker-loop convention (server/metrics.go) for the sweep, and
// on DESIGN NOTES §9's ring-with-TTL description.
type announcementRing struct {
	mu    sync.Mutex
	byID  map[string]*ringEntry
	order []string // insertion order, oldest first
	store *announcementStore
}

func newAnnouncementRing(store *announcementStore) (*announcementRing, error) {
	r := &announcementRing{byID: make(map[string]*ringEntry), store: store}
	if store == nil {
		return r, nil
	}
	rows, err := store.loadAll()
	if err != nil {
		return nil, fmt.Errorf("load persisted announcements: %w", err)
	}
	for _, row := range rows {
		var f frame.Frame
		if err := json.Unmarshal([]byte(row.FrameJSON), &f); err != nil {
			slog.Warn("announcement ring: dropping unreadable persisted frame", "message_id", row.MessageID, "err", err)
			continue
		}
		reactions, err := store.loadReactions(row.MessageID)
		if err != nil {
			return nil, fmt.Errorf("load reactions for %s: %w", row.MessageID, err)
		}
		r.byID[row.MessageID] = &ringEntry{frame: f, reactions: reactions, expiresAt: row.ExpiresAt}
		r.order = append(r.order, row.MessageID)
	}
	slog.Info("announcement ring restored", "count", len(r.order))
	return r, nil
}

// insert adds a new announcement frame to the ring and persists it.
func (r *announcementRing) insert(f frame.Frame, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt := now.Add(announcementTTL).UnixMilli()
	r.byID[f.MessageID] = &ringEntry{frame: f, reactions: make(map[string]string), expiresAt: expiresAt}
	r.order = append(r.order, f.MessageID)

	if r.store != nil {
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal announcement frame: %w", err)
		}
		if err := r.store.put(f.MessageID, f.From, string(raw), f.CreatedAt, expiresAt); err != nil {
			return err
		}
	}
	return nil
}

// delete removes an announcement (chat:delete targeting it).
func (r *announcementRing) delete(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(messageID)
	if r.store != nil {
		if err := r.store.delete(messageID); err != nil {
			slog.Error("announcement ring: persist delete failed", "message_id", messageID, "err", err)
		}
	}
}

// react upserts (or, for nil reaction, clears) a reactor's emoji on an
// announcement and returns the announcement's full current reaction map
// (§9 resolved Open Question: always-current server state regardless of
// the reactor's live connection). ok is false if the message id is
// unknown.
func (r *announcementRing) react(messageID, reactorDeviceID string, emoji *frame.Emoji) (map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[messageID]
	if !ok {
		return nil, false
	}
	if emoji == nil || *emoji == "" {
		delete(e.reactions, reactorDeviceID)
	} else {
		e.reactions[reactorDeviceID] = string(*emoji)
	}

	out := make(map[string]string, len(e.reactions))
	for k, v := range e.reactions {
		out[k] = v
	}

	if r.store != nil {
		emojiStr := ""
		if emoji != nil {
			emojiStr = string(*emoji)
		}
		if err := r.store.putReaction(messageID, reactorDeviceID, emojiStr); err != nil {
			slog.Error("announcement ring: persist reaction failed", "message_id", messageID, "err", err)
		}
	}
	return out, true
}

// sweepExpired removes every entry whose TTL has elapsed and returns their
// message ids.
func (r *announcementRing) sweepExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowMs := now.UnixMilli()
	var expired []string
	for _, id := range r.order {
		e, ok := r.byID[id]
		if ok && e.expiresAt <= nowMs {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeLocked(id)
		if r.store != nil {
			if err := r.store.delete(id); err != nil {
				slog.Error("announcement ring: persist expiry delete failed", "message_id", id, "err", err)
			}
		}
	}
	return expired
}

// removeLocked deletes an entry from both the map and the order slice.
// Callers must hold r.mu.
func (r *announcementRing) removeLocked(messageID string) {
	if _, ok := r.byID[messageID]; !ok {
		return
	}
	delete(r.byID, messageID)
	for i, id := range r.order {
		if id == messageID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// snapshot returns every live announcement frame in insertion order plus
// a copy of each one's reactions, for relay:announcement:snapshot.
func (r *announcementRing) snapshot() ([]frame.Frame, map[string]map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := make([]frame.Frame, 0, len(r.order))
	reactions := make(map[string]map[string]string, len(r.order))
	for _, id := range r.order {
		e := r.byID[id]
		frames = append(frames, e.frame)
		cp := make(map[string]string, len(e.reactions))
		for k, v := range e.reactions {
			cp[k] = v
		}
		reactions[id] = cp
	}
	return frames, reactions
}

// has reports whether messageID is a live announcement.
func (r *announcementRing) has(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[messageID]
	return ok
}
