package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lantern-chat/lantern/internal/events"
	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []frame.Frame
}

func (t *fakeTransport) SendFrame(ctx context.Context, f frame.Frame) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
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

func newTestService(t *testing.T) (*Service, *store.Store, *fakeTransport, *events.Bus) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	transport := &fakeTransport{}
	return NewService(st, bus, transport, "alice"), st, transport, bus
}

func strp(s string) *string { return &s }

func TestBuildSyncMessagesClampsLimitAndOrders(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	convID, err := st.EnsureDMConversation("bob", "bob", 1000)
	if err != nil {
		t.Fatalf("EnsureDMConversation: %v", err)
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		row := store.Message{
			MessageID: id, ConversationID: convID, Direction: store.DirectionOut,
			SenderDeviceID: "alice", ReceiverDeviceID: "bob", Type: store.MessageText,
			CreatedAt: int64(1000 + i),
		}
		if _, err := st.SaveMessage(row); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	msgs, err := svc.BuildSyncMessages("bob", 999, 1) // limit below minimum clamps to 100
	if err != nil {
		t.Fatalf("BuildSyncMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected all 3 rows within the clamped limit, got %d", len(msgs))
	}
	if msgs[0].MessageID != "m1" || msgs[2].MessageID != "m3" {
		t.Fatalf("expected ascending createdAt order, got %+v", msgs)
	}
}

func TestApplySyncedMessageDropsUnknownCounterpart(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	row := frame.SyncMessage{
		MessageID: "m1", Direction: "out", SenderDeviceID: "bob",
		ReceiverDeviceID: strp("alice"), Type: "text", BodyText: strp("hi"), CreatedAt: 1000,
	}
	applied, err := svc.ApplySyncedMessage(row, map[string]bool{}, time.Now())
	if err != nil {
		t.Fatalf("ApplySyncedMessage: %v", err)
	}
	if applied.Inserted {
		t.Fatalf("expected the row to be dropped for an unknown counterpart")
	}
}

func TestApplySyncedMessageInsertsAndClampsFutureCreatedAt(t *testing.T) {
	svc, _, _, bus := newTestService(t)
	received := make(chan events.Event, 4)
	bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.KindMessageReceived {
			received <- ev
		}
	})

	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()
	row := frame.SyncMessage{
		MessageID: "m1", Direction: "out", SenderDeviceID: "bob",
		ReceiverDeviceID: strp("alice"), Type: "text", BodyText: strp("hi"), CreatedAt: future,
	}
	applied, err := svc.ApplySyncedMessage(row, map[string]bool{"bob": true}, now)
	if err != nil {
		t.Fatalf("ApplySyncedMessage: %v", err)
	}
	if !applied.Inserted {
		t.Fatalf("expected the row to be inserted")
	}
	if applied.Row.Direction != store.DirectionIn {
		t.Fatalf("expected direction=in for a row sent by the counterpart, got %q", applied.Row.Direction)
	}
	if applied.Row.CreatedAt > now.UnixMilli() {
		t.Fatalf("expected future createdAt clamped to now, got %d > %d", applied.Row.CreatedAt, now.UnixMilli())
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a message:received event")
	}
}

func TestApplySyncedMessageIsIdempotent(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	now := time.Now()
	row := frame.SyncMessage{
		MessageID: "m1", Direction: "out", SenderDeviceID: "bob",
		ReceiverDeviceID: strp("alice"), Type: "text", BodyText: strp("hi"), CreatedAt: now.UnixMilli(),
	}
	known := map[string]bool{"bob": true}

	first, err := svc.ApplySyncedMessage(row, known, now)
	if err != nil || !first.Inserted {
		t.Fatalf("first apply: inserted=%v err=%v", first.Inserted, err)
	}
	second, err := svc.ApplySyncedMessage(row, known, now)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Inserted {
		t.Fatalf("expected the second application to merge, not re-insert")
	}

	all, err := st.ListMessages(store.DMConversationID("bob"))
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one stored row after applying twice, got %d", len(all))
	}
}

func TestRequestSyncRespectsCooldown(t *testing.T) {
	svc, st, transport, _ := newTestService(t)
	if _, err := st.EnsureDMConversation("bob", "bob", 1000); err != nil {
		t.Fatalf("EnsureDMConversation: %v", err)
	}

	if err := svc.RequestSync(context.Background(), "bob"); err != nil {
		t.Fatalf("first RequestSync: %v", err)
	}
	if err := svc.RequestSync(context.Background(), "bob"); err != nil {
		t.Fatalf("second RequestSync: %v", err)
	}

	sent := transport.framesSent()
	if len(sent) != 1 {
		t.Fatalf("expected the second request to be suppressed by cooldown, got %d frames", len(sent))
	}
	if sent[0].Type != frame.TypeChatSyncReq {
		t.Fatalf("expected a chat:sync:request frame, got %s", sent[0].Type)
	}
}

func TestHandleSyncResponseBubblesAckForInsertedIncomingRows(t *testing.T) {
	svc, _, transport, _ := newTestService(t)
	now := time.Now()
	payload := frame.ChatSyncResponsePayload{Messages: []frame.SyncMessage{
		{MessageID: "m1", Direction: "out", SenderDeviceID: "bob", ReceiverDeviceID: strp("alice"), Type: "text", BodyText: strp("hi"), CreatedAt: now.UnixMilli()},
	}}
	if err := svc.HandleSyncResponse(context.Background(), "bob", payload, map[string]bool{"bob": true}); err != nil {
		t.Fatalf("HandleSyncResponse: %v", err)
	}

	sent := transport.framesSent()
	if len(sent) != 1 || sent[0].Type != frame.TypeChatAck {
		t.Fatalf("expected one chat:ack frame bubbled up, got %+v", sent)
	}
	var ack frame.ChatAckPayload
	if err := sent[0].DecodePayload(&ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	if ack.AckMessageID != "m1" || ack.Status != string(store.StatusDelivered) {
		t.Fatalf("unexpected ack payload: %+v", ack)
	}
}
