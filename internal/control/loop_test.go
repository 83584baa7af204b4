package control

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/identity"
	"github.com/lantern-chat/lantern/internal/messaging"
	chatsync "github.com/lantern-chat/lantern/internal/sync"
	"github.com/lantern-chat/lantern/internal/store"
	"github.com/lantern-chat/lantern/internal/transfer"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []frame.Frame
}

func (t *fakeTransport) SendFrame(ctx context.Context, f frame.Frame) ([]string, error) {
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	if f.To == nil {
		return nil, nil
	}
	return []string{*f.To}, nil
}

func (t *fakeTransport) framesSent() []frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]frame.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func newTestLoop(t *testing.T) (*Loop, *store.Store, *events.Bus, *fakeTransport) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	registry, err := identity.NewRegistry(st)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	transport := &fakeTransport{}
	root := t.TempDir()
	msg := messaging.NewService(st, bus, transport, "alice", root)
	syncSvc := chatsync.NewService(st, bus, transport, "alice")
	arena := transfer.NewArena()

	loop := New(st, bus, registry, msg, syncSvc, arena, transport, root, "alice")
	return loop, st, bus, transport
}

func subscribeKind(bus *events.Bus, kind events.Kind) chan events.Event {
	ch := make(chan events.Event, 32)
	bus.Subscribe(func(ev events.Event) {
		if ev.Kind == kind {
			ch <- ev
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func mustFrame(t *testing.T, typ frame.Type, from string, to *string, payload any) frame.Frame {
	t.Helper()
	f, err := frame.NewFrame(typ, from, to, payload, time.Now())
	if err != nil {
		t.Fatalf("NewFrame(%s): %v", typ, err)
	}
	return f
}

func TestHandleDeliverUnknownTypeIsDropped(t *testing.T) {
	loop, _, bus, transport := newTestLoop(t)
	received := subscribeKind(bus, events.KindMessageReceived)

	loop.HandleDeliver(frame.Frame{Type: "bogus:type", From: "bob", CreatedAt: time.Now().UnixMilli()})

	select {
	case ev := <-received:
		t.Fatalf("expected no event for an unknown frame type, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if len(transport.framesSent()) != 0 {
		t.Fatalf("expected no frames sent for an unknown frame type")
	}
}

func TestHandleDeliverChatTextPersistsAndAcks(t *testing.T) {
	loop, st, bus, transport := newTestLoop(t)
	received := subscribeKind(bus, events.KindMessageReceived)

	self := "alice"
	f := mustFrame(t, frame.TypeChatText, "bob", &self, frame.ChatTextPayload{Text: "hi alice"})
	loop.HandleDeliver(f)

	ev := waitEvent(t, received)
	row := ev.Data.(store.Message)
	if row.BodyText.String != "hi alice" {
		t.Fatalf("expected body text persisted, got %+v", row)
	}

	stored, err := st.GetMessage(f.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Status != store.StatusDelivered {
		t.Fatalf("expected inbound message status=delivered, got %q", stored.Status)
	}

	sent := transport.framesSent()
	if len(sent) != 1 || sent[0].Type != frame.TypeChatAck {
		t.Fatalf("expected one chat:ack sent back, got %+v", sent)
	}
	var ackPayload frame.ChatAckPayload
	if err := sent[0].DecodePayload(&ackPayload); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	if ackPayload.AckMessageID != f.MessageID || ackPayload.Status != string(store.StatusDelivered) {
		t.Fatalf("unexpected ack payload: %+v", ackPayload)
	}
}

func TestHandleDeliverChatTextIsIdempotentUnderReplay(t *testing.T) {
	loop, _, bus, transport := newTestLoop(t)
	received := subscribeKind(bus, events.KindMessageReceived)

	self := "alice"
	f := mustFrame(t, frame.TypeChatText, "bob", &self, frame.ChatTextPayload{Text: "hi"})
	loop.HandleDeliver(f)
	waitEvent(t, received)
	loop.HandleDeliver(f) // redelivered by sync or a relay retry

	select {
	case ev := <-received:
		t.Fatalf("expected no second message:received event on replay, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	// Both deliveries still ack.
	if len(transport.framesSent()) != 2 {
		t.Fatalf("expected an ack for each delivery, got %d frames", len(transport.framesSent()))
	}
}

func TestHandleDeliverChatReactAppliesIncomingReaction(t *testing.T) {
	loop, st, bus, _ := newTestLoop(t)
	reactions := subscribeKind(bus, events.KindMessageReactions)

	convID, err := st.EnsureDMConversation("bob", "bob", 1000)
	if err != nil {
		t.Fatalf("EnsureDMConversation: %v", err)
	}
	if _, err := st.SaveMessage(store.Message{
		MessageID: "m1", ConversationID: convID, Direction: store.DirectionOut,
		SenderDeviceID: "alice", ReceiverDeviceID: "bob", Type: store.MessageText, CreatedAt: 1000,
	}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	self := "alice"
	heart := frame.EmojiHeart
	f := mustFrame(t, frame.TypeChatReact, "bob", &self, frame.ChatReactPayload{TargetMessageID: "m1", Reaction: &heart})
	loop.HandleDeliver(f)
	waitEvent(t, reactions)

	rx, err := st.ReactionsFor("m1")
	if err != nil {
		t.Fatalf("ReactionsFor: %v", err)
	}
	if rx["bob"] != string(frame.EmojiHeart) {
		t.Fatalf("expected bob's reaction persisted, got %+v", rx)
	}
}

func TestHandleDeliverChatClearWipesConversation(t *testing.T) {
	loop, st, bus, _ := newTestLoop(t)
	cleared := subscribeKind(bus, events.KindConversationCleared)

	convID, err := st.EnsureDMConversation("bob", "bob", 1000)
	if err != nil {
		t.Fatalf("EnsureDMConversation: %v", err)
	}
	if _, err := st.SaveMessage(store.Message{
		MessageID: "m1", ConversationID: convID, Direction: store.DirectionIn,
		SenderDeviceID: "bob", ReceiverDeviceID: "alice", Type: store.MessageText, CreatedAt: 1000,
	}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	self := "alice"
	f := mustFrame(t, frame.TypeChatClear, "bob", &self, frame.ChatClearPayload{Scope: "dm"})
	loop.HandleDeliver(f)
	waitEvent(t, cleared)

	remaining, err := st.ListMessages(convID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected conversation wiped, got %d messages", len(remaining))
	}
}

func TestHandleDeliverChatForgetHidesPeerAndWaitsForOffline(t *testing.T) {
	loop, _, bus, _ := newTestLoop(t)
	peersUpdated := subscribeKind(bus, events.KindPeersUpdated)

	self := "alice"
	f := mustFrame(t, frame.TypeChatForget, "bob", &self, frame.ChatForgetPayload{Scope: "dm"})
	loop.HandleDeliver(f)
	waitEvent(t, peersUpdated)

	if !loop.registry.IsForgottenWaiting("bob") {
		t.Fatalf("expected bob to be recorded as forgotten and waiting for offline")
	}
}

func TestHandleDeliverDropsFramesFromForgottenWaitingPeerExceptAnnounce(t *testing.T) {
	loop, _, bus, transport := newTestLoop(t)
	received := subscribeKind(bus, events.KindMessageReceived)

	self := "alice"
	forgetFrame := mustFrame(t, frame.TypeChatForget, "bob", &self, frame.ChatForgetPayload{Scope: "dm"})
	loop.HandleDeliver(forgetFrame)
	if !loop.registry.IsForgottenWaiting("bob") {
		t.Fatalf("expected bob to be forgotten and waiting")
	}

	textFrame := mustFrame(t, frame.TypeChatText, "bob", &self, frame.ChatTextPayload{Text: "still here"})
	loop.HandleDeliver(textFrame)
	select {
	case ev := <-received:
		t.Fatalf("expected chat:text from a forgotten-waiting peer to be dropped, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	announceFrame := mustFrame(t, frame.TypeAnnounce, "bob", nil, frame.AnnouncePayload{Text: "broadcast"})
	loop.HandleDeliver(announceFrame)
	waitEvent(t, received) // announce still gets through

	_ = transport
}

func TestFileTransferEndToEnd(t *testing.T) {
	loop, st, bus, transport := newTestLoop(t)
	progress := subscribeKind(bus, events.KindTransferProgress)
	statusCh := subscribeKind(bus, events.KindMessageStatus)

	content := []byte("file contents for the control loop test")
	sum := sha256.Sum256(content)

	self := "alice"
	offer := mustFrame(t, frame.TypeFileOffer, "bob", &self, frame.FileOfferPayload{
		FileID: "f1", MessageID: "m1", Filename: "notes.txt", Size: int64(len(content)), SHA256: hex.EncodeToString(sum[:]),
	})
	loop.HandleDeliver(offer)
	first := waitEvent(t, progress).Data.(events.TransferProgress)
	if first.Transferred != 0 || first.Total != int64(len(content)) {
		t.Fatalf("unexpected initial progress: %+v", first)
	}

	chunk := mustFrame(t, frame.TypeFileChunk, "bob", &self, frame.FileChunkPayload{
		FileID: "f1", Index: 0, Total: 1, DataBase64: base64.StdEncoding.EncodeToString(content),
	})
	loop.HandleDeliver(chunk)
	second := waitEvent(t, progress).Data.(events.TransferProgress)
	if second.Transferred != int64(len(content)) {
		t.Fatalf("expected full progress after the only chunk, got %+v", second)
	}

	complete := mustFrame(t, frame.TypeFileComplete, "bob", &self, frame.FileCompletePayload{FileID: "f1"})
	loop.HandleDeliver(complete)
	status := waitEvent(t, statusCh).Data.(struct {
		MessageID string
		Status    store.MessageStatus
	})
	if status.Status != store.StatusDelivered {
		t.Fatalf("expected delivered status after finalize, got %+v", status)
	}

	stored, err := st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !stored.FilePath.Valid {
		t.Fatalf("expected a persisted file path after finalize")
	}

	_ = transport
}

func TestFileTransferHashMismatchMarksFailed(t *testing.T) {
	loop, st, bus, _ := newTestLoop(t)
	toasts := subscribeKind(bus, events.KindUIToast)

	content := []byte("correct contents")
	self := "alice"
	offer := mustFrame(t, frame.TypeFileOffer, "bob", &self, frame.FileOfferPayload{
		FileID: "f2", MessageID: "m2", Filename: "bad.txt", Size: int64(len(content)), SHA256: "0000000000000000000000000000000000000000000000000000000000000",
	})
	loop.HandleDeliver(offer)

	chunk := mustFrame(t, frame.TypeFileChunk, "bob", &self, frame.FileChunkPayload{
		FileID: "f2", Index: 0, Total: 1, DataBase64: base64.StdEncoding.EncodeToString(content),
	})
	loop.HandleDeliver(chunk)

	complete := mustFrame(t, frame.TypeFileComplete, "bob", &self, frame.FileCompletePayload{FileID: "f2"})
	loop.HandleDeliver(complete)
	waitEvent(t, toasts)

	stored, err := st.GetMessage("m2")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Status != store.StatusFailed {
		t.Fatalf("expected status=failed after a hash mismatch, got %q", stored.Status)
	}
}

func TestHandlePresenceSnapshotTriggersSyncForNewlyOnlinePeer(t *testing.T) {
	loop, _, bus, transport := newTestLoop(t)
	peersUpdated := subscribeKind(bus, events.KindPeersUpdated)

	loop.HandlePresenceSnapshot([]frame.PresencePeer{{DeviceID: "bob", DisplayName: "Bob"}}, 1)
	waitEvent(t, peersUpdated)

	deadline := time.After(1 * time.Second)
	for {
		sent := transport.framesSent()
		found := false
		for _, f := range sent {
			if f.Type == frame.TypeChatSyncReq {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a chat:sync:request after a peer's online transition, got %+v", sent)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleTypingUpdateArmsAndExpiresTimer(t *testing.T) {
	loop, _, bus, _ := newTestLoop(t)
	typing := subscribeKind(bus, events.KindTypingUpdate)

	loop.handleTyping("bob", true)
	ev := waitEvent(t, typing)
	payload := ev.Data.(struct {
		PeerID   string
		IsTyping bool
	})
	if !payload.IsTyping {
		t.Fatalf("expected isTyping=true, got %+v", payload)
	}

	loop.mu.Lock()
	_, armed := loop.typingTimers["bob"]
	loop.mu.Unlock()
	if !armed {
		t.Fatalf("expected a typing-expiry timer to be armed for bob")
	}

	expired := waitEvent(t, typing)
	expiredPayload := expired.Data.(struct {
		PeerID   string
		IsTyping bool
	})
	if expiredPayload.IsTyping {
		t.Fatalf("expected the auto-expiry update to carry isTyping=false")
	}

	loop.mu.Lock()
	_, stillArmed := loop.typingTimers["bob"]
	loop.mu.Unlock()
	if stillArmed {
		t.Fatalf("expected the timer to be cleared once it fires")
	}
}

func TestHandleTypingFalseCancelsTimer(t *testing.T) {
	loop, _, bus, _ := newTestLoop(t)
	typing := subscribeKind(bus, events.KindTypingUpdate)

	loop.handleTyping("bob", true)
	waitEvent(t, typing)
	loop.handleTyping("bob", false)
	waitEvent(t, typing)

	loop.mu.Lock()
	_, armed := loop.typingTimers["bob"]
	loop.mu.Unlock()
	if armed {
		t.Fatalf("expected an explicit isTyping=false to cancel the pending timer")
	}

	select {
	case ev := <-typing:
		t.Fatalf("expected no further typing:update once cancelled, got %+v", ev)
	case <-time.After(typingExpiry + 200*time.Millisecond):
	}
}
