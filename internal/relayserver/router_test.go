package relayserver

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/frame"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// attachSession registers a bare session (no real websocket conn) under
// deviceID directly in the registry, bypassing serveConn's handshake. This
// is safe because routing only ever reaches sess.tryDeliver, which just
// pushes onto sess.send and never touches sess.conn.
func attachSession(s *Server, deviceID string) *session {
	sess := &session{deviceID: deviceID, send: make(chan frame.Envelope, sendBufferSize), conn: &websocket.Conn{}}
	sess.setState(stateLive)
	s.mu.Lock()
	s.sessions[deviceID] = sess
	s.mu.Unlock()
	s.presence.upsert(deviceID, frame.ProfilePayload{DeviceID: deviceID}, time.Now().UnixMilli())
	return sess
}

func drainEnvelope(t *testing.T, sess *session) frame.Envelope {
	t.Helper()
	select {
	case env := <-sess.send:
		return env
	default:
		t.Fatalf("expected a queued envelope for %s, found none", sess.deviceID)
		return frame.Envelope{}
	}
}

func mustFrame(t *testing.T, typ frame.Type, from string, to *string, payload any) frame.Frame {
	t.Helper()
	f, err := frame.NewFrame(typ, from, to, payload, time.Now())
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestRouteDirectDeliversOnlyToLiveRecipient(t *testing.T) {
	s := newTestServer(t)
	alice := attachSession(s, "alice")
	_ = attachSession(s, "carol")

	to := "alice"
	f := mustFrame(t, frame.TypeChatText, "bob", &to, frame.ChatTextPayload{Text: "hi"})

	ack := s.handleSend("bob", f)
	if len(ack.DeliveredTo) != 1 || ack.DeliveredTo[0] != "alice" {
		t.Fatalf("expected delivery only to alice, got %v", ack.DeliveredTo)
	}
	env := drainEnvelope(t, alice)
	if env.Type != frame.EnvDeliver {
		t.Fatalf("expected relay:deliver, got %s", env.Type)
	}
}

func TestRouteDirectToOfflineDeviceDeliversNothing(t *testing.T) {
	s := newTestServer(t)
	_ = attachSession(s, "alice")

	to := "ghost"
	f := mustFrame(t, frame.TypeChatText, "alice", &to, frame.ChatTextPayload{Text: "hi"})

	ack := s.handleSend("alice", f)
	if len(ack.DeliveredTo) != 0 {
		t.Fatalf("expected no delivery to an offline device, got %v", ack.DeliveredTo)
	}
}

func TestRouteAnnounceBroadcastsToEveryoneIncludingSender(t *testing.T) {
	s := newTestServer(t)
	alice := attachSession(s, "alice")
	bob := attachSession(s, "bob")

	f := mustFrame(t, frame.TypeAnnounce, "alice", nil, frame.AnnouncePayload{Text: "hello LAN"})
	ack := s.handleSend("alice", f)

	if len(ack.DeliveredTo) != 2 {
		t.Fatalf("expected broadcast to both peers, got %v", ack.DeliveredTo)
	}
	drainEnvelope(t, alice) // sender receives its own announcement too
	drainEnvelope(t, bob)

	if !s.ring.has(f.MessageID) {
		t.Fatalf("expected announcement to be inserted into the ring")
	}
}

func TestRouteAnnouncementDeleteExpiresRingEntry(t *testing.T) {
	s := newTestServer(t)
	alice := attachSession(s, "alice")

	announce := mustFrame(t, frame.TypeAnnounce, "alice", nil, frame.AnnouncePayload{Text: "bye"})
	s.handleSend("alice", announce)
	drainEnvelope(t, alice) // the announce broadcast

	del := mustFrame(t, frame.TypeChatDelete, "alice", nil, frame.ChatDeletePayload{TargetMessageID: announce.MessageID})
	ack := s.handleSend("alice", del)
	if len(ack.DeliveredTo) != 1 {
		t.Fatalf("expected the delete's expiry broadcast to reach the one live peer, got %v", ack.DeliveredTo)
	}

	env := drainEnvelope(t, alice)
	if env.Type != frame.EnvAnnouncementExpired {
		t.Fatalf("expected relay:announcement:expired, got %s", env.Type)
	}
	if s.ring.has(announce.MessageID) {
		t.Fatalf("expected ring entry to be removed")
	}
}

func TestRouteAnnouncementDeleteUnknownIDIsNoop(t *testing.T) {
	s := newTestServer(t)
	_ = attachSession(s, "alice")

	del := mustFrame(t, frame.TypeChatDelete, "alice", nil, frame.ChatDeletePayload{TargetMessageID: "unknown-id"})
	ack := s.handleSend("alice", del)
	if len(ack.DeliveredTo) != 0 {
		t.Fatalf("expected no broadcast for an unknown announcement id, got %v", ack.DeliveredTo)
	}
}

func TestRouteAnnouncementReactBroadcastsFullReactionMap(t *testing.T) {
	s := newTestServer(t)
	alice := attachSession(s, "alice")
	bob := attachSession(s, "bob")

	announce := mustFrame(t, frame.TypeAnnounce, "alice", nil, frame.AnnouncePayload{Text: "news"})
	s.handleSend("alice", announce)
	drainEnvelope(t, alice)
	drainEnvelope(t, bob)

	emoji := frame.EmojiThumbsUp
	react := mustFrame(t, frame.TypeChatReact, "bob", nil, frame.ChatReactPayload{TargetMessageID: announce.MessageID, Reaction: &emoji})
	ack := s.handleSend("bob", react)
	if len(ack.DeliveredTo) != 2 {
		t.Fatalf("expected reaction broadcast to both peers, got %v", ack.DeliveredTo)
	}

	env := drainEnvelope(t, alice)
	if env.Type != frame.EnvAnnouncementReactions {
		t.Fatalf("expected relay:announcement:reactions, got %s", env.Type)
	}
	var p frame.AnnouncementReactionsPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode reactions payload: %v", err)
	}
	if p.Reactions["bob"] != string(emoji) {
		t.Fatalf("expected bob's reaction in the map, got %+v", p.Reactions)
	}
	drainEnvelope(t, bob)
}

func TestGenericBroadcastFrameFansOutToAllButNotRing(t *testing.T) {
	s := newTestServer(t)
	alice := attachSession(s, "alice")
	bob := attachSession(s, "bob")

	f := mustFrame(t, frame.TypeTyping, "alice", nil, frame.TypingPayload{IsTyping: true})
	ack := s.handleSend("alice", f)
	if len(ack.DeliveredTo) != 2 {
		t.Fatalf("expected typing broadcast to reach both peers, got %v", ack.DeliveredTo)
	}
	drainEnvelope(t, alice)
	drainEnvelope(t, bob)

	if s.ring.has(f.MessageID) {
		t.Fatalf("a non-announcement broadcast must not be inserted into the announcement ring")
	}
}
