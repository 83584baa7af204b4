// Package control is Lantern's composition root and frame demultiplexer
// (§4.10): it implements relayclient.FrameHandler, routing inbound
// relay:deliver frames to the message, sync and transfer services and
// driving the lifecycle side effects a bare frame dispatch table cannot
// express on its own (sync-on-hello, ack bubbling, typing auto-expiry,
// forgetting cascades).
//
// Every handler here must tolerate being invoked twice for the same frame
// (sync may redeliver), which is why it leans on saveMessage's
// insert-or-ignore idempotency and the transfer arena's idempotent
// offer/finalize rather than tracking its own "seen" set.
package control

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/identity"
	"github.com/lantern-chat/lantern/internal/messaging"
	"github.com/lantern-chat/lantern/internal/relayclient"
	chatsync "github.com/lantern-chat/lantern/internal/sync"
	"github.com/lantern-chat/lantern/internal/store"
	"github.com/lantern-chat/lantern/internal/transfer"
)

// dispatchTimeout bounds any gossip a frame handler issues in response to
// an inbound frame (acks, sync responses).
const dispatchTimeout = 10 * time.Second

// typingExpiry is how long a typing:update stays true before the loop
// synthesizes a false one (§4.10).
const typingExpiry = 3200 * time.Millisecond

// Transport is the narrow capability the loop needs to gossip acks and
// sync responses. Satisfied structurally by relayclient.Client.SendFrame.
type Transport interface {
	SendFrame(ctx context.Context, f frame.Frame) ([]string, error)
}

// Loop is the control-loop composition root (§4.10). It holds no state of
// its own beyond typing-expiry timers; everything else lives in the
// services it wires together.
type Loop struct {
	st              *store.Store
	bus             *events.Bus
	registry        *identity.Registry
	msg             *messaging.Service
	syncSvc         *chatsync.Service
	arena           *transfer.Arena
	transport       Transport
	attachmentsRoot string
	selfDeviceID    string

	mu           sync.Mutex
	typingTimers map[string]*time.Timer
}

// New constructs a Loop wiring every client-side service together.
func New(st *store.Store, bus *events.Bus, registry *identity.Registry, msg *messaging.Service, syncSvc *chatsync.Service, arena *transfer.Arena, transport Transport, attachmentsRoot, selfDeviceID string) *Loop {
	return &Loop{
		st: st, bus: bus, registry: registry, msg: msg, syncSvc: syncSvc, arena: arena,
		transport: transport, attachmentsRoot: attachmentsRoot, selfDeviceID: selfDeviceID,
		typingTimers: make(map[string]*time.Timer),
	}
}

func (l *Loop) buildFrame(typ frame.Type, to *string, payload any, createdAt int64) (frame.Frame, error) {
	return frame.NewFrame(typ, l.selfDeviceID, to, payload, time.UnixMilli(createdAt))
}

// HandleDeliver demultiplexes one inbound application frame (§4.10).
func (l *Loop) HandleDeliver(f frame.Frame) {
	if !frame.Known(f.Type) {
		return // unknown type: discard without closing the connection (§4.1)
	}
	if l.registry.IsForgottenWaiting(f.From) && f.Type != frame.TypeAnnounce {
		return // forgotten-but-waiting peer: drop everything except announce (§4.8)
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch f.Type {
	case frame.TypeHello:
		l.handlePeerOnline(f.From)

	case frame.TypeChatText:
		var p frame.ChatTextPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:text", "err", err)
			return
		}
		row, err := l.msg.ReceiveText(f, p, now)
		if err != nil {
			slog.Warn("control: receive chat:text failed", "err", err)
			return
		}
		l.ack(ctx, f.From, row.MessageID)

	case frame.TypeAnnounce:
		var p frame.AnnouncePayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed announce", "err", err)
			return
		}
		row, err := l.msg.ReceiveAnnouncement(f, p, now)
		if err != nil {
			slog.Warn("control: receive announce failed", "err", err)
			return
		}
		l.ack(ctx, f.From, row.MessageID)

	case frame.TypeChatAck:
		var p frame.ChatAckPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:ack", "err", err)
			return
		}
		if err := l.msg.ApplyAck(p); err != nil {
			slog.Warn("control: apply ack failed", "err", err)
		}

	case frame.TypeChatReact:
		var p frame.ChatReactPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:react", "err", err)
			return
		}
		if err := l.msg.ApplyIncomingReaction(f, p); err != nil {
			slog.Warn("control: apply incoming reaction failed", "err", err)
		}

	case frame.TypeChatDelete:
		var p frame.ChatDeletePayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:delete", "err", err)
			return
		}
		if err := l.msg.ApplyIncomingDelete(f, p, now); err != nil {
			slog.Warn("control: apply incoming delete failed", "err", err)
		}

	case frame.TypeChatClear:
		paths, err := l.registry.ApplyRemoteClear(f.From)
		if err != nil {
			slog.Warn("control: apply remote clear failed", "err", err)
			return
		}
		l.removeAttachments(paths)
		l.bus.Publish(events.Event{Kind: events.KindConversationCleared, Data: store.DMConversationID(f.From)})

	case frame.TypeChatForget:
		paths, err := l.registry.ApplyRemoteForget(f.From, now)
		if err != nil {
			slog.Warn("control: apply remote forget failed", "err", err)
			return
		}
		l.removeAttachments(paths)
		l.bus.Publish(events.Event{Kind: events.KindConversationCleared, Data: store.DMConversationID(f.From)})
		l.bus.Publish(events.Event{Kind: events.KindPeersUpdated})

	case frame.TypeChatSyncReq:
		var p frame.ChatSyncRequestPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:sync:request", "err", err)
			return
		}
		resp, err := l.syncSvc.BuildSyncResponse(f.From, p)
		if err != nil {
			slog.Warn("control: build sync response failed", "err", err)
			return
		}
		respFrame, err := l.buildFrame(frame.TypeChatSyncResp, &f.From, resp, now.UnixMilli())
		if err != nil {
			slog.Warn("control: build sync response frame failed", "err", err)
			return
		}
		if _, err := l.transport.SendFrame(ctx, respFrame); err != nil {
			slog.Debug("control: send chat:sync:response failed", "peer", f.From, "err", err)
		}

	case frame.TypeChatSyncResp:
		var p frame.ChatSyncResponsePayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed chat:sync:response", "err", err)
			return
		}
		if err := l.syncSvc.HandleSyncResponse(ctx, f.From, p, l.knownPeerSet()); err != nil {
			slog.Warn("control: handle sync response failed", "err", err)
		}

	case frame.TypeTyping:
		var p frame.TypingPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed typing", "err", err)
			return
		}
		l.handleTyping(f.From, p.IsTyping)

	case frame.TypeFileOffer:
		var p frame.FileOfferPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed file:offer", "err", err)
			return
		}
		l.handleFileOffer(f, p, now)

	case frame.TypeFileChunk:
		var p frame.FileChunkPayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed file:chunk", "err", err)
			return
		}
		l.handleFileChunk(p)

	case frame.TypeFileComplete:
		var p frame.FileCompletePayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed file:complete", "err", err)
			return
		}
		l.handleFileComplete(ctx, p)
	}
}

// ack sends a chat:ack{status:delivered} for a newly-applied inbound
// message, best-effort.
func (l *Loop) ack(ctx context.Context, peerID, messageID string) {
	f, err := l.buildFrame(frame.TypeChatAck, &peerID, frame.ChatAckPayload{AckMessageID: messageID, Status: string(store.StatusDelivered)}, time.Now().UnixMilli())
	if err != nil {
		slog.Warn("control: build ack frame failed", "err", err)
		return
	}
	if _, err := l.transport.SendFrame(ctx, f); err != nil {
		slog.Debug("control: send chat:ack failed", "peer", peerID, "err", err)
	}
}

// handlePeerOnline runs the hello/online-transition trio from §4.7/§4.10:
// request a sync, retry failed sends, and replay pending file offers.
func (l *Loop) handlePeerOnline(peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := l.syncSvc.RequestSync(ctx, peerID); err != nil {
		slog.Debug("control: request sync failed", "peer", peerID, "err", err)
	}
	if err := l.msg.RetryFailedMessagesForPeer(ctx, peerID); err != nil {
		slog.Warn("control: retry failed messages failed", "peer", peerID, "err", err)
	}
	if err := l.msg.ReplayPendingFilesForPeer(ctx, peerID); err != nil {
		slog.Warn("control: replay pending files failed", "peer", peerID, "err", err)
	}
}

func (l *Loop) knownPeerSet() map[string]bool {
	views, err := l.registry.Merged()
	if err != nil {
		slog.Warn("control: list known peers failed", "err", err)
		return map[string]bool{}
	}
	out := make(map[string]bool, len(views))
	for _, v := range views {
		out[v.DeviceID] = true
	}
	return out
}

func (l *Loop) removeAttachments(paths []string) {
	for _, p := range paths {
		if err := removeIfExists(p); err != nil {
			slog.Warn("control: remove attachment failed", "path", p, "err", err)
		}
	}
}

// handleTyping republishes a typing:update and arms (or re-arms) a 3.2s
// timer that synthesizes the matching false once the peer goes silent
// (§4.10). A false update from the peer itself cancels the timer.
func (l *Loop) handleTyping(peerID string, isTyping bool) {
	l.bus.Publish(events.Event{Kind: events.KindTypingUpdate, Data: struct {
		PeerID   string
		IsTyping bool
	}{peerID, isTyping}})

	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.typingTimers[peerID]; ok {
		t.Stop()
		delete(l.typingTimers, peerID)
	}
	if !isTyping {
		return
	}
	l.typingTimers[peerID] = time.AfterFunc(typingExpiry, func() {
		l.mu.Lock()
		delete(l.typingTimers, peerID)
		l.mu.Unlock()
		l.bus.Publish(events.Event{Kind: events.KindTypingUpdate, Data: struct {
			PeerID   string
			IsTyping bool
		}{peerID, false}})
	})
}

// handleFileOffer opens a receive stream for an inbound file transfer and
// persists its message row with no status yet (§4.3).
func (l *Loop) handleFileOffer(f frame.Frame, p frame.FileOfferPayload, now time.Time) {
	convID, err := l.st.EnsureDMConversation(f.From, f.From, now.UnixMilli())
	if err != nil {
		slog.Warn("control: ensure dm conversation failed", "err", err)
		return
	}
	if _, err := l.arena.Offer(l.attachmentsRoot, p.FileID, p.MessageID, f.From, p.Filename, p.Size, p.SHA256); err != nil {
		slog.Warn("control: open receive stream failed", "err", err)
		return
	}

	createdAt := f.CreatedAt
	if createdAt > now.UnixMilli() {
		createdAt = now.UnixMilli()
	}
	row := store.Message{
		MessageID:        p.MessageID,
		ConversationID:   convID,
		Direction:        store.DirectionIn,
		SenderDeviceID:   f.From,
		ReceiverDeviceID: l.selfDeviceID,
		Type:             store.MessageFile,
		FileID:           sql.NullString{String: p.FileID, Valid: true},
		FileName:         sql.NullString{String: transfer.SanitizeFileName(p.Filename), Valid: true},
		FileSize:         sql.NullInt64{Int64: p.Size, Valid: true},
		FileSHA256:       sql.NullString{String: p.SHA256, Valid: true},
		CreatedAt:        createdAt,
	}
	inserted, err := l.st.SaveMessage(row)
	if err != nil {
		slog.Warn("control: save incoming file message failed", "err", err)
		return
	}
	if inserted {
		l.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	}
	l.bus.Publish(events.Event{Kind: events.KindTransferProgress, Data: events.TransferProgress{
		Direction: events.TransferIncoming, FileID: p.FileID, MessageID: p.MessageID,
		PeerID: f.From, Transferred: 0, Total: p.Size,
	}})
}

func (l *Loop) handleFileChunk(p frame.FileChunkPayload) {
	if err := l.arena.Chunk(p.FileID, p.Index, p.Total, p.DataBase64); err != nil {
		slog.Warn("control: apply file chunk failed", "fileId", p.FileID, "err", err)
		return
	}
	in, ok := l.arena.Get(p.FileID)
	if !ok {
		return
	}
	l.bus.Publish(events.Event{Kind: events.KindTransferProgress, Data: events.TransferProgress{
		Direction: events.TransferIncoming, FileID: in.FileID, MessageID: in.MessageID,
		PeerID: in.SenderDeviceID, Transferred: in.TransferredBytes(), Total: in.ExpectedSize,
	}})
}

func (l *Loop) handleFileComplete(ctx context.Context, p frame.FileCompletePayload) {
	in, ok := l.arena.Get(p.FileID)
	if !ok {
		return // no offer ever seen for this fileId
	}
	messageID, peerID := in.MessageID, in.SenderDeviceID

	path, err := l.arena.Finalize(p.FileID)
	if err != nil {
		if statusErr := l.st.UpdateMessageStatus(messageID, store.StatusFailed); statusErr != nil {
			slog.Warn("control: mark failed file message failed", "err", statusErr)
		}
		l.bus.Publish(events.Event{Kind: events.KindMessageStatus, Data: struct {
			MessageID string
			Status    store.MessageStatus
		}{messageID, store.StatusFailed}})
		l.bus.Publish(events.Event{Kind: events.KindUIToast, Data: fmt.Sprintf("file transfer from %s failed: %v", peerID, err)})
		return
	}

	delivered := store.StatusDelivered
	if err := l.st.MergeMessageStateFromSync(messageID, store.MessagePatch{FilePath: &path, Status: &delivered}); err != nil {
		slog.Warn("control: mark delivered file message failed", "err", err)
		return
	}
	l.bus.Publish(events.Event{Kind: events.KindMessageStatus, Data: struct {
		MessageID string
		Status    store.MessageStatus
	}{messageID, store.StatusDelivered}})
	l.ack(ctx, peerID, messageID)
}

// --- relayclient.FrameHandler presence/connection notifications ---

// HandlePresenceSnapshot replaces the registry's live overlay and kicks
// off the hello/online trio for every peer newly seen as online.
func (l *Loop) HandlePresenceSnapshot(peers []frame.PresencePeer, revision uint64) {
	now := time.Now()
	var newlyOnline []string
	for _, p := range peers {
		if !l.registry.IsOnline(p.DeviceID) {
			newlyOnline = append(newlyOnline, p.DeviceID)
		}
	}
	if err := l.registry.ApplyPresenceSnapshot(peers, now); err != nil {
		slog.Warn("control: apply presence snapshot failed", "err", err)
	}
	l.bus.Publish(events.Event{Kind: events.KindPeersUpdated})
	for _, id := range newlyOnline {
		l.handlePeerOnline(id)
	}
}

// HandlePresenceDelta applies one upsert/remove and, on a fresh
// online transition, runs the hello/online trio.
func (l *Loop) HandlePresenceDelta(p frame.PresenceDeltaPayload) {
	now := time.Now()
	var newlyOnline string
	if p.Op == frame.DeltaUpsert && p.Peer != nil && !l.registry.IsOnline(p.Peer.DeviceID) {
		newlyOnline = p.Peer.DeviceID
	}
	if err := l.registry.ApplyPresenceDelta(p, now); err != nil {
		slog.Warn("control: apply presence delta failed", "err", err)
	}
	l.bus.Publish(events.Event{Kind: events.KindPeersUpdated})
	if newlyOnline != "" {
		l.handlePeerOnline(newlyOnline)
	}
}

// HandleAnnouncementSnapshot persists the Relay's non-expired announcement
// backlog delivered right after hello:ok.
func (l *Loop) HandleAnnouncementSnapshot(frames []frame.Frame, reactions map[string]map[string]string) {
	now := time.Now()
	for _, f := range frames {
		var p frame.AnnouncePayload
		if err := f.DecodePayload(&p); err != nil {
			slog.Debug("control: malformed announcement snapshot entry", "err", err)
			continue
		}
		if _, err := l.msg.ReceiveAnnouncement(f, p, now); err != nil {
			slog.Warn("control: apply announcement snapshot entry failed", "err", err)
		}
	}
	for messageID, byReactor := range reactions {
		l.applyAnnouncementReactions(messageID, byReactor)
	}
}

// HandleAnnouncementExpired is a no-op for locally-stored history: the
// Relay's announcement ring is an ephemeral fan-out cache (§2 non-goals);
// a client's own copy is retained until the user clears it.
func (l *Loop) HandleAnnouncementExpired(messageIDs []string) {
	slog.Debug("control: announcements expired on relay", "count", len(messageIDs))
}

// HandleAnnouncementReactions reconciles one announcement's reaction set
// to exactly the map the Relay reports.
func (l *Loop) HandleAnnouncementReactions(messageID string, reactions map[string]string) {
	l.applyAnnouncementReactions(messageID, reactions)
}

func (l *Loop) applyAnnouncementReactions(messageID string, reactions map[string]string) {
	existing, err := l.st.ReactionsFor(messageID)
	if err != nil {
		slog.Warn("control: load existing reactions failed", "err", err)
		return
	}
	for reactor := range existing {
		if _, ok := reactions[reactor]; !ok {
			if err := l.st.DeleteReaction(messageID, reactor); err != nil {
				slog.Warn("control: delete stale reaction failed", "err", err)
			}
		}
	}
	for reactor, emoji := range reactions {
		if err := l.st.UpsertReaction(messageID, reactor, emoji); err != nil {
			slog.Warn("control: upsert announcement reaction failed", "err", err)
		}
	}
	l.bus.Publish(events.Event{Kind: events.KindAnnouncementReactions, Data: struct {
		MessageID string
		Reactions map[string]string
	}{messageID, reactions}})
}

// HandleConnectionChange republishes the Relay client's lifecycle state as
// a relay:connection event.
func (l *Loop) HandleConnectionChange(state relayclient.State, reason string) {
	l.bus.Publish(events.Event{Kind: events.KindRelayConnection, Data: struct {
		State  string
		Reason string
	}{state.String(), reason}})
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
