package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
)

// forgottenExpiry is how long a forgotten-peer record survives before the
// peer becomes rediscoverable again (§4.8).
const forgottenExpiry = 24 * time.Hour

// PeerView is the merged, UI-facing shape of a remote peer: the result of
// reconciling live Relay presence, the local cache, and manual entries
// (§4.8).
type PeerView struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
	AppVersion    string
	Online        bool
	LastSeenAt    int64
}

// Sender is the narrow capability Registry needs to gossip chat:clear/
// chat:forget when forgetting a peer. Satisfied structurally by
// relayclient.Client.SendFrame without importing relayclient (dependency
// inversion, per DESIGN NOTES §9).
type Sender interface {
	SendFrame(ctx context.Context, f frame.Frame) ([]string, error)
}

// Registry holds the four peer overlays from §4.8 and reconciles them into
// a merged view. Grounded on spec.md §3's documented (source priority,
// lastSeenAt) ordering; the teacher has no multi-source peer discovery to
// adapt, so this is built fresh in its constructor/mutex idiom.
type Registry struct {
	mu sync.Mutex

	st *store.Store

	live      map[string]store.Peer // deviceId -> live Relay presence (source=relay)
	forgotten map[string]store.ForgottenPeer
}

// NewRegistry loads the forgotten-peer overlay from disk and returns an
// empty live overlay; known-peers and manual peers are read lazily from the
// store at Merged() time.
func NewRegistry(st *store.Store) (*Registry, error) {
	rows, err := st.ListForgottenPeers()
	if err != nil {
		return nil, fmt.Errorf("load forgotten peers: %w", err)
	}
	forgotten := make(map[string]store.ForgottenPeer, len(rows))
	for _, r := range rows {
		forgotten[r.DeviceID] = r
	}
	return &Registry{
		st:        st,
		live:      make(map[string]store.Peer),
		forgotten: forgotten,
	}, nil
}

// ApplyPresenceSnapshot replaces the live overlay wholesale (relay:presence)
// and persists each entry into the local cache.
func (r *Registry) ApplyPresenceSnapshot(peers []frame.PresencePeer, now time.Time) error {
	r.mu.Lock()
	r.live = make(map[string]store.Peer, len(peers))
	for _, p := range peers {
		r.live[p.DeviceID] = presenceToPeer(p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := r.st.UpsertPeer(presenceToPeer(p)); err != nil {
			return fmt.Errorf("cache presence peer: %w", err)
		}
	}
	return r.tickForgotten(now)
}

// ApplyPresenceDelta applies one upsert/remove against the live overlay
// (relay:presence:delta).
func (r *Registry) ApplyPresenceDelta(p frame.PresenceDeltaPayload, now time.Time) error {
	switch p.Op {
	case frame.DeltaUpsert:
		if p.Peer == nil {
			return nil
		}
		peer := presenceToPeer(*p.Peer)
		r.mu.Lock()
		r.live[p.Peer.DeviceID] = peer
		r.mu.Unlock()
		if err := r.st.UpsertPeer(peer); err != nil {
			return fmt.Errorf("cache delta peer: %w", err)
		}
	case frame.DeltaRemove:
		if p.DeviceID == nil {
			return nil
		}
		r.mu.Lock()
		delete(r.live, *p.DeviceID)
		r.mu.Unlock()
	}
	return r.tickForgotten(now)
}

func presenceToPeer(p frame.PresencePeer) store.Peer {
	return store.Peer{
		DeviceID:      p.DeviceID,
		DisplayName:   p.DisplayName,
		AvatarEmoji:   p.AvatarEmoji,
		AvatarBg:      p.AvatarBg,
		StatusMessage: p.StatusMessage,
		AppVersion:    p.AppVersion,
		LastSeenAt:    p.LastSeenAt,
		Source:        store.SourceRelay,
	}
}

// IsOnline reports whether deviceID is currently present in the live
// overlay.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[deviceID]
	return ok
}

// IsForgottenWaiting reports whether deviceID is a forgotten peer still
// awaiting its first offline observation — per §4.8, such a peer's frames
// are dropped except announce.
func (r *Registry) IsForgottenWaiting(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.forgotten[deviceID]
	return ok && f.WaitingForOffline
}

// Merged returns the reconciled peer list served to the UI: live overlay
// merged with the local cache by (source priority, lastSeenAt), excluding
// any peer with a live forgotten-state record. A peer absent from the live
// overlay is reported offline (§4.8).
func (r *Registry) Merged() ([]PeerView, error) {
	cached, err := r.st.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("list cached peers: %w", err)
	}

	r.mu.Lock()
	live := make(map[string]store.Peer, len(r.live))
	for k, v := range r.live {
		live[k] = v
	}
	forgotten := make(map[string]bool, len(r.forgotten))
	for k := range r.forgotten {
		forgotten[k] = true
	}
	r.mu.Unlock()

	merged := make(map[string]store.Peer, len(cached))
	for _, p := range cached {
		merged[p.DeviceID] = p
	}
	for id, p := range live {
		existing, ok := merged[id]
		if !ok || store.MergeWins(existing, p) {
			merged[id] = p
		}
	}

	out := make([]PeerView, 0, len(merged))
	for id, p := range merged {
		if forgotten[id] {
			continue
		}
		_, online := live[id]
		out = append(out, PeerView{
			DeviceID:      p.DeviceID,
			DisplayName:   p.DisplayName,
			AvatarEmoji:   p.AvatarEmoji,
			AvatarBg:      p.AvatarBg,
			StatusMessage: p.StatusMessage,
			AppVersion:    p.AppVersion,
			Online:        online,
			LastSeenAt:    p.LastSeenAt,
		})
	}
	return out, nil
}

// AddManual registers (or refreshes) a manually-configured peer, e.g. one
// reached via a user-entered host:port before any Relay presence is seen.
func (r *Registry) AddManual(p store.Peer, now time.Time) error {
	p.Source = store.SourceManual
	if p.LastSeenAt == 0 {
		p.LastSeenAt = now.UnixMilli()
	}
	if err := r.st.UpsertPeer(p); err != nil {
		return fmt.Errorf("add manual peer: %w", err)
	}
	return nil
}

// ForgetPeer implements the full forgetting cascade (§4.8): gossip
// chat:clear + chat:forget to the peer (best-effort; the peer is commonly
// offline), wipe the DM conversation and cache row locally, and record a
// forgotten-state entry awaiting the peer's first observed offline tick.
// Returns the attachment paths ClearConversation unlinked so the caller can
// remove them from disk.
func (r *Registry) ForgetPeer(ctx context.Context, sender Sender, selfDeviceID, peerDeviceID string, now time.Time) ([]string, error) {
	if clearFrame, err := frame.NewFrame(frame.TypeChatClear, selfDeviceID, &peerDeviceID, frame.ChatClearPayload{Scope: "dm"}, now); err == nil {
		if _, sendErr := sender.SendFrame(ctx, clearFrame); sendErr != nil {
			slog.Debug("identity: chat:clear gossip failed (peer likely offline)", "peer", peerDeviceID, "err", sendErr)
		}
	}
	if forgetFrame, err := frame.NewFrame(frame.TypeChatForget, selfDeviceID, &peerDeviceID, frame.ChatForgetPayload{Scope: "dm"}, now); err == nil {
		if _, sendErr := sender.SendFrame(ctx, forgetFrame); sendErr != nil {
			slog.Debug("identity: chat:forget gossip failed (peer likely offline)", "peer", peerDeviceID, "err", sendErr)
		}
	}

	paths, err := r.st.ClearConversation(store.DMConversationID(peerDeviceID))
	if err != nil {
		return nil, fmt.Errorf("clear conversation: %w", err)
	}
	if err := r.st.RemovePeer(peerDeviceID); err != nil {
		return nil, fmt.Errorf("remove cached peer: %w", err)
	}

	row := store.ForgottenPeer{DeviceID: peerDeviceID, WaitingForOffline: true, UpdatedAt: now.UnixMilli()}
	if err := r.st.PutForgottenPeer(row); err != nil {
		return nil, fmt.Errorf("record forgotten state: %w", err)
	}
	r.mu.Lock()
	r.forgotten[peerDeviceID] = row
	r.mu.Unlock()

	return paths, nil
}

// ApplyRemoteClear wipes a DM conversation locally on an inbound
// chat:clear frame, without recording forgotten state (§4.10 "chat:clear
// wipes DM locally"). Returns the attachment paths the caller should
// delete from disk.
func (r *Registry) ApplyRemoteClear(peerDeviceID string) ([]string, error) {
	paths, err := r.st.ClearConversation(store.DMConversationID(peerDeviceID))
	if err != nil {
		return nil, fmt.Errorf("clear conversation: %w", err)
	}
	return paths, nil
}

// ApplyRemoteForget mirrors the forgetting cascade's local-state steps for
// an inbound chat:forget frame (the peer forgot us): wipe the conversation
// and cache row, and record a forgotten-state entry so the peer is hidden
// symmetrically (§4.10 "chat:forget wipes and adds forgotten state"). No
// gossip is sent back — the peer already knows it forgot us.
func (r *Registry) ApplyRemoteForget(peerDeviceID string, now time.Time) ([]string, error) {
	paths, err := r.st.ClearConversation(store.DMConversationID(peerDeviceID))
	if err != nil {
		return nil, fmt.Errorf("clear conversation: %w", err)
	}
	if err := r.st.RemovePeer(peerDeviceID); err != nil {
		return nil, fmt.Errorf("remove cached peer: %w", err)
	}
	row := store.ForgottenPeer{DeviceID: peerDeviceID, WaitingForOffline: true, UpdatedAt: now.UnixMilli()}
	if err := r.st.PutForgottenPeer(row); err != nil {
		return nil, fmt.Errorf("record forgotten state: %w", err)
	}
	r.mu.Lock()
	r.forgotten[peerDeviceID] = row
	r.mu.Unlock()
	return paths, nil
}

// tickForgotten advances every forgotten-state entry per §4.8: a peer still
// online while waiting stays hidden; one observed offline flips
// waitingForOffline false; an entry offline for ≥24h expires outright.
func (r *Registry) tickForgotten(now time.Time) error {
	r.mu.Lock()
	live := make(map[string]bool, len(r.live))
	for id := range r.live {
		live[id] = true
	}
	snapshot := make(map[string]store.ForgottenPeer, len(r.forgotten))
	for id, f := range r.forgotten {
		snapshot[id] = f
	}
	r.mu.Unlock()

	for id, f := range snapshot {
		online := live[id]
		if f.WaitingForOffline {
			if online {
				continue // still online while waiting: keep hiding, no change
			}
			f.WaitingForOffline = false
			f.UpdatedAt = now.UnixMilli()
			if err := r.st.PutForgottenPeer(f); err != nil {
				return fmt.Errorf("update forgotten state: %w", err)
			}
			r.mu.Lock()
			r.forgotten[id] = f
			r.mu.Unlock()
			continue
		}

		if online {
			continue
		}
		age := now.Sub(time.UnixMilli(f.UpdatedAt))
		if age >= forgottenExpiry {
			if err := r.st.DeleteForgottenPeer(id); err != nil {
				return fmt.Errorf("expire forgotten state: %w", err)
			}
			r.mu.Lock()
			delete(r.forgotten, id)
			r.mu.Unlock()
		}
	}
	return nil
}
