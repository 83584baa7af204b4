// Package messaging implements Lantern's message service (§4.6): sending
// text, announcements and files, reacting to and deleting messages, and
// replaying what failed to send while a peer was offline.
//
// It is grounded on the teacher's Room.RecordMsg/AddReaction/MarkMsgDeleted
// operation shapes (server/room.go), re-expressed as client-side operations
// over internal/store plus a Transport capability interface instead of
// bken's direct in-process Room call (dependency inversion, per DESIGN
// NOTES §9).
package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
	"github.com/lantern-chat/lantern/internal/transfer"
)

// ErrPeerOffline is raised by sendText when the Relay's ack does not list
// the target peer among deliveredTo (§4.6).
var ErrPeerOffline = errors.New("peer offline")

// Transport is the narrow capability Service needs to gossip frames.
// Satisfied structurally by relayclient.Client.SendFrame.
type Transport interface {
	SendFrame(ctx context.Context, f frame.Frame) ([]string, error)
}

// Service implements the C6 message operations.
type Service struct {
	st              *store.Store
	bus             *events.Bus
	transport       Transport
	selfDeviceID    string
	attachmentsRoot string
}

// NewService constructs a Service bound to one local store, event bus,
// transport, and device identity.
func NewService(st *store.Store, bus *events.Bus, transport Transport, selfDeviceID, attachmentsRoot string) *Service {
	return &Service{st: st, bus: bus, transport: transport, selfDeviceID: selfDeviceID, attachmentsRoot: attachmentsRoot}
}

func buildFrame(typ frame.Type, messageID, from string, to *string, payload any, createdAt int64) (frame.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return frame.Frame{Type: typ, MessageID: messageID, From: from, To: to, CreatedAt: createdAt, Payload: raw}, nil
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// SendText implements sendText(peerId, text) (§4.6).
func (s *Service) SendText(ctx context.Context, peerID, text string) (store.Message, error) {
	now := time.Now()
	convID, err := s.st.EnsureDMConversation(peerID, peerID, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("ensure dm conversation: %w", err)
	}
	ts, err := s.st.ReserveConversationTimestamp(convID, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("reserve timestamp: %w", err)
	}

	messageID := uuid.NewString()
	f, err := buildFrame(frame.TypeChatText, messageID, s.selfDeviceID, &peerID, frame.ChatTextPayload{Text: text}, ts)
	if err != nil {
		return store.Message{}, err
	}

	deliveredTo, sendErr := s.transport.SendFrame(ctx, f)

	status := store.StatusFailed
	var opErr error
	switch {
	case sendErr == nil && contains(deliveredTo, peerID):
		status = store.StatusSent
	case sendErr == nil:
		opErr = ErrPeerOffline
	default:
		opErr = fmt.Errorf("send chat:text: %w", sendErr)
	}

	row := store.Message{
		MessageID:        messageID,
		ConversationID:   convID,
		Direction:        store.DirectionOut,
		SenderDeviceID:   s.selfDeviceID,
		ReceiverDeviceID: peerID,
		Type:             store.MessageText,
		BodyText:         sql.NullString{String: text, Valid: true},
		Status:           status,
		CreatedAt:        ts,
	}
	if _, err := s.st.SaveMessage(row); err != nil {
		return store.Message{}, fmt.Errorf("save text message: %w", err)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	return row, opErr
}

// SendAnnouncement implements sendAnnouncement(text) (§4.6).
func (s *Service) SendAnnouncement(ctx context.Context, text string) (store.Message, error) {
	now := time.Now()
	if err := s.st.EnsureAnnouncementsConversation(now.UnixMilli()); err != nil {
		return store.Message{}, fmt.Errorf("ensure announcements conversation: %w", err)
	}
	ts, err := s.st.ReserveConversationTimestamp(store.AnnouncementsConversationID, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("reserve timestamp: %w", err)
	}

	messageID := uuid.NewString()
	f, err := buildFrame(frame.TypeAnnounce, messageID, s.selfDeviceID, nil, frame.AnnouncePayload{Text: text}, ts)
	if err != nil {
		return store.Message{}, err
	}

	_, sendErr := s.transport.SendFrame(ctx, f)
	if sendErr != nil {
		slog.Warn("messaging: announce broadcast failed", "err", sendErr)
	}

	row := store.Message{
		MessageID:      messageID,
		ConversationID: store.AnnouncementsConversationID,
		Direction:      store.DirectionOut,
		SenderDeviceID: s.selfDeviceID,
		Type:           store.MessageAnnouncement,
		BodyText:       sql.NullString{String: text, Valid: true},
		Status:         store.StatusSent,
		CreatedAt:      ts,
	}
	if _, err := s.st.SaveMessage(row); err != nil {
		return store.Message{}, fmt.Errorf("save announcement: %w", err)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	return row, nil
}

// SendFile implements sendFile(peerId, path) (§4.6): the managed copy,
// hashing and initial persistence happen synchronously; the actual
// offer/chunk/complete exchange runs on a detached goroutine so the caller
// is never blocked on transport I/O.
func (s *Service) SendFile(ctx context.Context, peerID, path string) (store.Message, error) {
	now := time.Now()
	convID, err := s.st.EnsureDMConversation(peerID, peerID, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("ensure dm conversation: %w", err)
	}
	ts, err := s.st.ReserveConversationTimestamp(convID, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("reserve timestamp: %w", err)
	}

	messageID := uuid.NewString()
	displayName := filepath.Base(path)
	offer, err := transfer.PrepareOutgoing(s.attachmentsRoot, messageID, path, displayName)
	if err != nil {
		return store.Message{}, fmt.Errorf("prepare outgoing file: %w", err)
	}

	row := store.Message{
		MessageID:        messageID,
		ConversationID:   convID,
		Direction:        store.DirectionOut,
		SenderDeviceID:   s.selfDeviceID,
		ReceiverDeviceID: peerID,
		Type:             store.MessageFile,
		FileID:           sql.NullString{String: offer.FileID, Valid: true},
		FileName:         sql.NullString{String: transfer.SanitizeFileName(displayName), Valid: true},
		FileSize:         sql.NullInt64{Int64: offer.Size, Valid: true},
		FileSHA256:       sql.NullString{String: offer.SHA256, Valid: true},
		FilePath:         sql.NullString{String: offer.Path, Valid: true},
		Status:           store.StatusSent,
		CreatedAt:        ts,
	}
	if _, err := s.st.SaveMessage(row); err != nil {
		return store.Message{}, fmt.Errorf("save file message: %w", err)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	s.bus.Publish(events.Event{Kind: events.KindTransferProgress, Data: events.TransferProgress{
		Direction: events.TransferOutgoing, FileID: offer.FileID, MessageID: messageID,
		PeerID: peerID, Transferred: 0, Total: offer.Size,
	}})

	go s.runFileSend(context.Background(), peerID, messageID, offer, transfer.SanitizeFileName(displayName))
	return row, nil
}

// runFileSend drives one file:offer -> file:chunk* -> file:complete exchange
// for an already-persisted outgoing file message.
func (s *Service) runFileSend(ctx context.Context, peerID, messageID string, offer transfer.Offer, filename string) {
	fail := func(reason string) {
		if err := s.st.UpdateMessageStatus(messageID, store.StatusFailed); err != nil {
			slog.Warn("messaging: mark file message failed", "err", err)
		}
		s.bus.Publish(events.Event{Kind: events.KindMessageStatus, Data: struct {
			MessageID string
			Status    store.MessageStatus
		}{messageID, store.StatusFailed}})
		s.bus.Publish(events.Event{Kind: events.KindUIToast, Data: reason})
	}

	offerFrame, err := buildFrame(frame.TypeFileOffer, uuid.NewString(), s.selfDeviceID, &peerID,
		frame.FileOfferPayload{FileID: offer.FileID, MessageID: messageID, Filename: filename, Size: offer.Size, SHA256: offer.SHA256},
		time.Now().UnixMilli())
	if err != nil {
		fail(fmt.Sprintf("file transfer to %s failed: %v", peerID, err))
		return
	}
	deliveredTo, err := s.transport.SendFrame(ctx, offerFrame)
	if err != nil || !contains(deliveredTo, peerID) {
		fail(fmt.Sprintf("file transfer to %s failed: peer unreachable", peerID))
		return
	}

	producer, err := transfer.NewChunkProducer(offer, 0)
	if err != nil {
		fail(fmt.Sprintf("file transfer to %s failed: %v", peerID, err))
		return
	}
	defer producer.Close()

	var transferred int64
	for !producer.Done() {
		chunk, err := producer.Next(ctx)
		if err != nil {
			fail(fmt.Sprintf("file transfer to %s failed: %v", peerID, err))
			return
		}
		chunkFrame, err := buildFrame(frame.TypeFileChunk, uuid.NewString(), s.selfDeviceID, &peerID,
			frame.FileChunkPayload{FileID: chunk.FileID, Index: chunk.Index, Total: chunk.Total, DataBase64: chunk.DataBase64},
			time.Now().UnixMilli())
		if err != nil {
			fail(fmt.Sprintf("file transfer to %s failed: %v", peerID, err))
			return
		}
		deliveredTo, err := s.transport.SendFrame(ctx, chunkFrame)
		if err != nil || !contains(deliveredTo, peerID) {
			fail(fmt.Sprintf("file transfer to %s failed: peer unreachable", peerID))
			return
		}

		chunkLen := int64(len(chunk.DataBase64)) * 3 / 4 // approximate decoded size for progress
		if chunk.Index == chunk.Total-1 {
			transferred = offer.Size
		} else {
			transferred += chunkLen
		}
		s.bus.Publish(events.Event{Kind: events.KindTransferProgress, Data: events.TransferProgress{
			Direction: events.TransferOutgoing, FileID: offer.FileID, MessageID: messageID,
			PeerID: peerID, Transferred: transferred, Total: offer.Size,
		}})
	}

	completeFrame, err := buildFrame(frame.TypeFileComplete, uuid.NewString(), s.selfDeviceID, &peerID,
		frame.FileCompletePayload{FileID: offer.FileID}, time.Now().UnixMilli())
	if err != nil {
		fail(fmt.Sprintf("file transfer to %s failed: %v", peerID, err))
		return
	}
	if deliveredTo, err := s.transport.SendFrame(ctx, completeFrame); err != nil || !contains(deliveredTo, peerID) {
		fail(fmt.Sprintf("file transfer to %s failed: peer unreachable", peerID))
	}
}

// RetryFailedMessagesForPeer implements retryFailedMessagesForPeer(peer)
// (§4.6): called when a peer transitions offline->online.
func (s *Service) RetryFailedMessagesForPeer(ctx context.Context, peerID string) error {
	convID := store.DMConversationID(peerID)
	failed, err := s.st.ListFailedTextMessages(convID)
	if err != nil {
		return fmt.Errorf("list failed messages: %w", err)
	}
	for _, row := range failed {
		f, err := buildFrame(frame.TypeChatText, row.MessageID, row.SenderDeviceID, &peerID,
			frame.ChatTextPayload{Text: row.BodyText.String}, row.CreatedAt)
		if err != nil {
			return err
		}
		deliveredTo, sendErr := s.transport.SendFrame(ctx, f)
		if sendErr != nil || !contains(deliveredTo, peerID) {
			continue // still offline or unreachable; leave failed, try again next tick
		}
		if err := s.st.UpdateMessageStatus(row.MessageID, store.StatusSent); err != nil {
			return fmt.Errorf("update retried message status: %w", err)
		}
		s.bus.Publish(events.Event{Kind: events.KindMessageStatus, Data: struct {
			MessageID string
			Status    store.MessageStatus
		}{row.MessageID, store.StatusSent}})
	}
	return nil
}

// ReplayPendingFilesForPeer implements replayPendingFilesForPeer(peer)
// (§4.6): retries outgoing file messages not yet delivered, skipping any
// whose local attachment has since been removed.
func (s *Service) ReplayPendingFilesForPeer(ctx context.Context, peerID string) error {
	convID := store.DMConversationID(peerID)
	pending, err := s.st.ListPendingFileMessages(convID)
	if err != nil {
		return fmt.Errorf("list pending file messages: %w", err)
	}
	for _, row := range pending {
		if !row.FilePath.Valid {
			continue
		}
		if _, statErr := os.Stat(row.FilePath.String); statErr != nil {
			continue // attachment no longer exists locally
		}
		offer := transfer.Offer{
			FileID:   row.FileID.String,
			Path:     row.FilePath.String,
			Size:     row.FileSize.Int64,
			SHA256:   row.FileSHA256.String,
			ChunkCnt: transfer.ChunkCount(row.FileSize.Int64),
		}
		filename := row.FileName.String
		go s.runFileSend(context.Background(), peerID, row.MessageID, offer, filename)
	}
	return nil
}

// ReactToMessage implements reactToMessage(convId, messageId, reaction)
// (§4.6). A nil reaction clears the local reactor's reaction.
func (s *Service) ReactToMessage(ctx context.Context, convID, messageID string, reaction *frame.Emoji) error {
	emoji := ""
	if reaction != nil {
		emoji = string(*reaction)
	}
	if err := s.st.UpsertReaction(messageID, s.selfDeviceID, emoji); err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	reactions, err := s.st.ReactionsFor(messageID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}

	conv, err := s.st.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	kind := events.KindMessageReactions
	if conv.Kind == store.KindAnnouncements {
		kind = events.KindAnnouncementReactions
	}
	s.bus.Publish(events.Event{Kind: kind, Data: struct {
		MessageID string
		Reactions map[string]string
	}{messageID, reactions}})

	payload := frame.ChatReactPayload{TargetMessageID: messageID, Reaction: reaction}
	f, err := buildFrame(frame.TypeChatReact, uuid.NewString(), s.selfDeviceID, targetOf(conv), payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if _, err := s.transport.SendFrame(ctx, f); err != nil {
		slog.Debug("messaging: chat:react gossip failed", "err", err)
	}
	return nil
}

// DeleteMessageForEveryone implements deleteMessageForEveryone(convId,
// messageId) (§4.6): only the sender of an outgoing message may tombstone
// it for everyone.
func (s *Service) DeleteMessageForEveryone(ctx context.Context, convID, messageID string) error {
	msg, err := s.st.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.Direction != store.DirectionOut {
		return fmt.Errorf("refusing to delete an incoming message for everyone")
	}

	now := time.Now().UnixMilli()
	if err := s.st.DeleteMessageForEveryone(messageID, now); err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	if msg.FilePath.Valid && s.ownsAttachment(msg.FilePath.String) {
		if err := os.Remove(msg.FilePath.String); err != nil && !os.IsNotExist(err) {
			slog.Warn("messaging: remove managed attachment", "path", msg.FilePath.String, "err", err)
		}
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageRemoved, Data: messageID})

	conv, err := s.st.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	payload := frame.ChatDeletePayload{TargetMessageID: messageID}
	f, err := buildFrame(frame.TypeChatDelete, uuid.NewString(), s.selfDeviceID, targetOf(conv), payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if _, err := s.transport.SendFrame(ctx, f); err != nil {
		slog.Debug("messaging: chat:delete gossip failed", "err", err)
	}
	return nil
}

// ownsAttachment reports whether path is inside the managed attachments
// root, so delete-for-everyone never unlinks a file outside it (§5).
func (s *Service) ownsAttachment(path string) bool {
	rel, err := filepath.Rel(s.attachmentsRoot, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// targetOf returns the DM counterpart for a direct-message conversation, or
// nil for a broadcast (announcements).
func targetOf(conv store.Conversation) *string {
	if conv.Kind == store.KindAnnouncements {
		return nil
	}
	peer := conv.PeerDeviceID
	return &peer
}
