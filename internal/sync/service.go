// Package sync implements Lantern's pairwise history reconciliation
// (§4.7): building and applying chat:sync:request/response payloads so two
// devices converge on the same DM history after either was offline.
//
// It is grounded on the teacher's server/room.go SearchMessages ordered
// query style, generalized from a text search into a since-cursor scan,
// and enriched by the corpus's sync-shaped reference material (see
// DESIGN.md) for the cooldown/ack-bubbling idiom, which bken itself has no
// direct equivalent of.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
)

// requestCooldown is the minimum interval between sync requests to the
// same peer (§4.7).
const requestCooldown = 12 * time.Second

const (
	minLimit     = 100
	maxLimit     = 2000
	defaultLimit = 1000
)

// Transport is the narrow capability Service needs to gossip sync frames.
// Satisfied structurally by relayclient.Client.SendFrame.
type Transport interface {
	SendFrame(ctx context.Context, f frame.Frame) ([]string, error)
}

// Applied is the result of applying one synced row (§4.7).
type Applied struct {
	Inserted bool
	Row      store.Message
}

// Service implements the C7 sync operations.
type Service struct {
	st           *store.Store
	bus          *events.Bus
	transport    Transport
	selfDeviceID string

	mu        sync.Mutex
	lastSyncAt map[string]time.Time
}

// NewService constructs a Service bound to one local store, event bus,
// transport, and device identity.
func NewService(st *store.Store, bus *events.Bus, transport Transport, selfDeviceID string) *Service {
	return &Service{
		st: st, bus: bus, transport: transport, selfDeviceID: selfDeviceID,
		lastSyncAt: make(map[string]time.Time),
	}
}

func clampLimit(limit int) int {
	if limit < minLimit {
		return minLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func buildFrame(typ frame.Type, from string, to *string, payload any, createdAt int64) (frame.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return frame.Frame{Type: typ, MessageID: uuid.NewString(), From: from, To: to, CreatedAt: createdAt, Payload: raw}, nil
}

// BuildSyncMessages implements buildSyncMessages(peerId, limit, since)
// (§4.7): DM rows with the peer created after since, oldest first, capped
// at limit clamped to [100, 2000]. Announcements are never synced
// pairwise.
func (s *Service) BuildSyncMessages(peerID string, since int64, limit int) ([]frame.SyncMessage, error) {
	convID := store.DMConversationID(peerID)
	rows, err := s.st.MessagesSince(convID, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("build sync messages: %w", err)
	}
	out := make([]frame.SyncMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, toSyncMessage(r))
	}
	return out, nil
}

func toSyncMessage(m store.Message) frame.SyncMessage {
	sm := frame.SyncMessage{
		MessageID:      m.MessageID,
		Direction:      string(m.Direction),
		SenderDeviceID: m.SenderDeviceID,
		Type:           string(m.Type),
		CreatedAt:      m.CreatedAt,
	}
	if m.ReceiverDeviceID != "" {
		v := m.ReceiverDeviceID
		sm.ReceiverDeviceID = &v
	}
	if m.BodyText.Valid {
		v := m.BodyText.String
		sm.BodyText = &v
	}
	if m.FileID.Valid {
		v := m.FileID.String
		sm.FileID = &v
	}
	if m.FileName.Valid {
		v := m.FileName.String
		sm.FileName = &v
	}
	if m.FileSize.Valid {
		v := m.FileSize.Int64
		sm.FileSize = &v
	}
	if m.FileSHA256.Valid {
		v := m.FileSHA256.String
		sm.FileSha256 = &v
	}
	if m.Status != "" {
		v := string(m.Status)
		sm.Status = &v
	}
	if m.Reaction.Valid {
		v := frame.Emoji(m.Reaction.String)
		sm.Reaction = &v
	}
	if m.DeletedAt.Valid {
		v := m.DeletedAt.Int64
		sm.DeletedAt = &v
	}
	return sm
}

// ApplySyncedMessage implements applySyncedMessage(row, knownPeers)
// (§4.7): determines the DM counterpart, drops the row if the counterpart
// is not a known peer, ensures the conversation exists, clamps a future
// incoming createdAt to now, and saves or merges the row.
func (s *Service) ApplySyncedMessage(row frame.SyncMessage, knownPeers map[string]bool, now time.Time) (Applied, error) {
	var counterpart string
	switch {
	case row.SenderDeviceID != s.selfDeviceID:
		counterpart = row.SenderDeviceID
	case row.ReceiverDeviceID != nil && *row.ReceiverDeviceID != s.selfDeviceID:
		counterpart = *row.ReceiverDeviceID
	default:
		return Applied{}, nil // no counterpart resolvable; drop
	}
	if !knownPeers[counterpart] {
		return Applied{}, nil // unknown counterpart; drop
	}

	convID, err := s.st.EnsureDMConversation(counterpart, counterpart, now.UnixMilli())
	if err != nil {
		return Applied{}, fmt.Errorf("ensure dm conversation: %w", err)
	}

	direction := store.DirectionOut
	if row.SenderDeviceID != s.selfDeviceID {
		direction = store.DirectionIn
	}
	createdAt := row.CreatedAt
	if direction == store.DirectionIn && createdAt > now.UnixMilli() {
		createdAt = now.UnixMilli()
	}

	receiver := ""
	if row.ReceiverDeviceID != nil {
		receiver = *row.ReceiverDeviceID
	}

	msg := store.Message{
		MessageID:        row.MessageID,
		ConversationID:   convID,
		Direction:        direction,
		SenderDeviceID:   row.SenderDeviceID,
		ReceiverDeviceID: receiver,
		Type:             store.MessageType(row.Type),
		CreatedAt:        createdAt,
	}
	if row.BodyText != nil {
		msg.BodyText.String, msg.BodyText.Valid = *row.BodyText, true
	}
	if row.FileID != nil {
		msg.FileID.String, msg.FileID.Valid = *row.FileID, true
	}
	if row.FileName != nil {
		msg.FileName.String, msg.FileName.Valid = *row.FileName, true
	}
	if row.FileSize != nil {
		msg.FileSize.Int64, msg.FileSize.Valid = *row.FileSize, true
	}
	if row.FileSha256 != nil {
		msg.FileSHA256.String, msg.FileSHA256.Valid = *row.FileSha256, true
	}
	if row.Status != nil {
		msg.Status = store.MessageStatus(*row.Status)
	}
	if row.Reaction != nil {
		msg.Reaction.String, msg.Reaction.Valid = string(*row.Reaction), true
	}
	if row.DeletedAt != nil {
		msg.DeletedAt.Int64, msg.DeletedAt.Valid = *row.DeletedAt, true
	}

	inserted, err := s.st.SaveMessage(msg)
	if err != nil {
		return Applied{}, fmt.Errorf("save synced message: %w", err)
	}
	if inserted {
		s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: msg})
		return Applied{Inserted: true, Row: msg}, nil
	}

	patch := store.MessagePatch{}
	if row.Status != nil {
		patch.Status = &msg.Status
	}
	if row.FileID != nil {
		patch.FileID = row.FileID
	}
	if row.FileName != nil {
		patch.FileName = row.FileName
	}
	if row.FileSize != nil {
		patch.FileSize = row.FileSize
	}
	if row.FileSha256 != nil {
		patch.FileSHA256 = row.FileSha256
	}
	if row.DeletedAt != nil {
		patch.DeletedAt = row.DeletedAt
	}
	if err := s.st.MergeMessageStateFromSync(msg.MessageID, patch); err != nil {
		return Applied{}, fmt.Errorf("merge synced message: %w", err)
	}
	merged, err := s.st.GetMessage(msg.MessageID)
	if err != nil {
		return Applied{}, fmt.Errorf("reload merged message: %w", err)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageUpdated, Data: merged})
	return Applied{Inserted: false, Row: merged}, nil
}

// RequestSync sends a chat:sync:request to peerID, subject to a 12s
// per-peer cooldown (§4.7). A no-op (nil error) within the cooldown window.
func (s *Service) RequestSync(ctx context.Context, peerID string) error {
	now := time.Now()
	s.mu.Lock()
	if last, ok := s.lastSyncAt[peerID]; ok && now.Sub(last) < requestCooldown {
		s.mu.Unlock()
		return nil
	}
	s.lastSyncAt[peerID] = now
	s.mu.Unlock()

	since, err := s.st.LatestCreatedAt(store.DMConversationID(peerID))
	if err != nil {
		return fmt.Errorf("latest dm timestamp: %w", err)
	}
	f, err := buildFrame(frame.TypeChatSyncReq, s.selfDeviceID, &peerID,
		frame.ChatSyncRequestPayload{Since: since, Limit: defaultLimit}, now.UnixMilli())
	if err != nil {
		return err
	}
	if _, err := s.transport.SendFrame(ctx, f); err != nil {
		return fmt.Errorf("send chat:sync:request: %w", err)
	}
	return nil
}

// HandleSyncResponse applies every row of an incoming chat:sync:response
// and bubbles a chat:ack{status:delivered} back to the peer for each newly
// inserted incoming row (§4.7).
func (s *Service) HandleSyncResponse(ctx context.Context, peerID string, payload frame.ChatSyncResponsePayload, knownPeers map[string]bool) error {
	now := time.Now()
	for _, row := range payload.Messages {
		applied, err := s.ApplySyncedMessage(row, knownPeers, now)
		if err != nil {
			return fmt.Errorf("apply synced message %s: %w", row.MessageID, err)
		}
		if !applied.Inserted || applied.Row.Direction != store.DirectionIn {
			continue
		}
		ackFrame, err := buildFrame(frame.TypeChatAck, s.selfDeviceID, &peerID,
			frame.ChatAckPayload{AckMessageID: applied.Row.MessageID, Status: string(store.StatusDelivered)}, now.UnixMilli())
		if err != nil {
			return err
		}
		if _, err := s.transport.SendFrame(ctx, ackFrame); err != nil {
			slog.Debug("sync: chat:ack bubble-up failed", "peer", peerID, "messageId", applied.Row.MessageID, "err", err)
		}
	}
	return nil
}

// BuildSyncResponse answers a chat:sync:request with the matching
// chat:sync:response payload.
func (s *Service) BuildSyncResponse(peerID string, req frame.ChatSyncRequestPayload) (frame.ChatSyncResponsePayload, error) {
	messages, err := s.BuildSyncMessages(peerID, req.Since, req.Limit)
	if err != nil {
		return frame.ChatSyncResponsePayload{}, err
	}
	return frame.ChatSyncResponsePayload{Messages: messages}, nil
}
