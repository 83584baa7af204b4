package messaging

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
)

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReceiveText persists an inbound chat:text frame. It sends no chat:ack
// itself; the control loop sends the ack after this returns, completing
// §4.10's "chat:text/announce persist + notify + ack" wiring. Idempotent
// under replay via saveMessage's insert-or-ignore.
func (s *Service) ReceiveText(f frame.Frame, payload frame.ChatTextPayload, now time.Time) (store.Message, error) {
	convID, err := s.st.EnsureDMConversation(f.From, f.From, now.UnixMilli())
	if err != nil {
		return store.Message{}, fmt.Errorf("ensure dm conversation: %w", err)
	}
	createdAt := f.CreatedAt
	if createdAt > now.UnixMilli() {
		createdAt = now.UnixMilli()
	}
	row := store.Message{
		MessageID:        f.MessageID,
		ConversationID:   convID,
		Direction:        store.DirectionIn,
		SenderDeviceID:   f.From,
		ReceiverDeviceID: s.selfDeviceID,
		Type:             store.MessageText,
		BodyText:         sql.NullString{String: payload.Text, Valid: true},
		Status:           store.StatusDelivered,
		CreatedAt:        createdAt,
	}
	inserted, err := s.st.SaveMessage(row)
	if err != nil {
		return store.Message{}, fmt.Errorf("save incoming text: %w", err)
	}
	if inserted {
		s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	}
	return row, nil
}

// ReceiveAnnouncement persists an inbound broadcast announce frame.
func (s *Service) ReceiveAnnouncement(f frame.Frame, payload frame.AnnouncePayload, now time.Time) (store.Message, error) {
	if err := s.st.EnsureAnnouncementsConversation(now.UnixMilli()); err != nil {
		return store.Message{}, fmt.Errorf("ensure announcements conversation: %w", err)
	}
	createdAt := f.CreatedAt
	if createdAt > now.UnixMilli() {
		createdAt = now.UnixMilli()
	}
	row := store.Message{
		MessageID:      f.MessageID,
		ConversationID: store.AnnouncementsConversationID,
		Direction:      store.DirectionIn,
		SenderDeviceID: f.From,
		Type:           store.MessageAnnouncement,
		BodyText:       sql.NullString{String: payload.Text, Valid: true},
		CreatedAt:      createdAt,
	}
	inserted, err := s.st.SaveMessage(row)
	if err != nil {
		return store.Message{}, fmt.Errorf("save incoming announcement: %w", err)
	}
	if inserted {
		s.bus.Publish(events.Event{Kind: events.KindMessageReceived, Data: row})
	}
	return row, nil
}

// ApplyAck updates a previously-sent message's status on a chat:ack
// (§4.10 "ack -> updates status").
func (s *Service) ApplyAck(payload frame.ChatAckPayload) error {
	if err := s.st.UpdateMessageStatus(payload.AckMessageID, store.MessageStatus(payload.Status)); err != nil {
		return fmt.Errorf("apply ack: %w", err)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageStatus, Data: struct {
		MessageID string
		Status    store.MessageStatus
	}{payload.AckMessageID, store.MessageStatus(payload.Status)}})
	return nil
}

// ApplyIncomingReaction applies a remote chat:react frame and emits the
// matching reactions event. The reacting party is f.From, not necessarily
// the local device.
func (s *Service) ApplyIncomingReaction(f frame.Frame, payload frame.ChatReactPayload) error {
	emoji := ""
	if payload.Reaction != nil {
		emoji = string(*payload.Reaction)
	}
	if err := s.st.UpsertReaction(payload.TargetMessageID, f.From, emoji); err != nil {
		return fmt.Errorf("apply incoming reaction: %w", err)
	}
	reactions, err := s.st.ReactionsFor(payload.TargetMessageID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}

	msg, err := s.st.GetMessage(payload.TargetMessageID)
	kind := events.KindMessageReactions
	if err == nil {
		if conv, convErr := s.st.GetConversation(msg.ConversationID); convErr == nil && conv.Kind == store.KindAnnouncements {
			kind = events.KindAnnouncementReactions
		}
	}
	s.bus.Publish(events.Event{Kind: kind, Data: struct {
		MessageID string
		Reactions map[string]string
	}{payload.TargetMessageID, reactions}})
	return nil
}

// ApplyIncomingDelete tombstones a message on a remote chat:delete frame.
func (s *Service) ApplyIncomingDelete(f frame.Frame, payload frame.ChatDeletePayload, now time.Time) error {
	msg, err := s.st.GetMessage(payload.TargetMessageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.SenderDeviceID != f.From {
		return fmt.Errorf("refusing chat:delete from %s for a message sent by %s", f.From, msg.SenderDeviceID)
	}
	if err := s.st.DeleteMessageForEveryone(payload.TargetMessageID, now.UnixMilli()); err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	if msg.FilePath.Valid && s.ownsAttachment(msg.FilePath.String) {
		_ = removeIfExists(msg.FilePath.String)
	}
	s.bus.Publish(events.Event{Kind: events.KindMessageRemoved, Data: payload.TargetMessageID})
	return nil
}
