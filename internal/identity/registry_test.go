package identity

import (
	"context"
	"testing"
	"time"

	"github.com/lantern-chat/lantern/internal/frame"
	"github.com/lantern-chat/lantern/internal/store"
)

type fakeSender struct {
	sent []frame.Frame
	err  error
}

func (f *fakeSender) SendFrame(ctx context.Context, fr frame.Frame) ([]string, error) {
	f.sent = append(f.sent, fr)
	if f.err != nil {
		return nil, f.err
	}
	return []string{*fr.To}, nil
}

func TestApplyPresenceSnapshotMarksLiveAndCaches(t *testing.T) {
	st := openTestStore(t)
	reg, err := NewRegistry(st)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	now := time.Now()
	err = reg.ApplyPresenceSnapshot([]frame.PresencePeer{
		{DeviceID: "bob", DisplayName: "Bob", LastSeenAt: now.UnixMilli()},
	}, now)
	if err != nil {
		t.Fatalf("ApplyPresenceSnapshot: %v", err)
	}
	if !reg.IsOnline("bob") {
		t.Fatalf("expected bob to be online after snapshot")
	}

	cached, err := st.GetPeer("bob")
	if err != nil {
		t.Fatalf("expected bob cached: %v", err)
	}
	if cached.Source != store.SourceRelay {
		t.Fatalf("expected cached source=relay, got %q", cached.Source)
	}
}

func TestApplyPresenceDeltaUpsertAndRemove(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	now := time.Now()

	peer := frame.PresencePeer{DeviceID: "bob", DisplayName: "Bob"}
	if err := reg.ApplyPresenceDelta(frame.PresenceDeltaPayload{Op: frame.DeltaUpsert, Peer: &peer}, now); err != nil {
		t.Fatalf("upsert delta: %v", err)
	}
	if !reg.IsOnline("bob") {
		t.Fatalf("expected bob online after upsert delta")
	}

	id := "bob"
	if err := reg.ApplyPresenceDelta(frame.PresenceDeltaPayload{Op: frame.DeltaRemove, DeviceID: &id}, now); err != nil {
		t.Fatalf("remove delta: %v", err)
	}
	if reg.IsOnline("bob") {
		t.Fatalf("expected bob offline after remove delta")
	}
}

func TestMergedExcludesForgottenPeers(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	now := time.Now()

	if err := st.UpsertPeer(store.Peer{DeviceID: "bob", DisplayName: "Bob", Source: store.SourceCache}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	sender := &fakeSender{}
	if _, err := reg.ForgetPeer(context.Background(), sender, "alice", "bob", now); err != nil {
		t.Fatalf("ForgetPeer: %v", err)
	}

	views, err := reg.Merged()
	if err != nil {
		t.Fatalf("Merged: %v", err)
	}
	for _, v := range views {
		if v.DeviceID == "bob" {
			t.Fatalf("expected bob to be excluded from the merged view while forgotten")
		}
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected chat:clear and chat:forget to be gossiped, got %d frames", len(sender.sent))
	}
	if sender.sent[0].Type != frame.TypeChatClear || sender.sent[1].Type != frame.TypeChatForget {
		t.Fatalf("expected clear then forget, got %v then %v", sender.sent[0].Type, sender.sent[1].Type)
	}
}

func TestForgetPeerSurvivesSendFailure(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	sender := &fakeSender{err: errOffline}

	if _, err := reg.ForgetPeer(context.Background(), sender, "alice", "bob", time.Now()); err != nil {
		t.Fatalf("expected ForgetPeer to succeed even when gossip fails, got %v", err)
	}
	if !reg.IsForgottenWaiting("bob") {
		t.Fatalf("expected bob to be recorded as forgotten and waiting")
	}
}

func TestTickForgottenKeepsHidingWhileOnlineAndWaiting(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	now := time.Now()

	sender := &fakeSender{}
	if _, err := reg.ForgetPeer(context.Background(), sender, "alice", "bob", now); err != nil {
		t.Fatalf("ForgetPeer: %v", err)
	}

	peer := frame.PresencePeer{DeviceID: "bob"}
	if err := reg.ApplyPresenceDelta(frame.PresenceDeltaPayload{Op: frame.DeltaUpsert, Peer: &peer}, now); err != nil {
		t.Fatalf("upsert delta: %v", err)
	}
	if !reg.IsForgottenWaiting("bob") {
		t.Fatalf("expected bob to remain waitingForOffline while still online")
	}
}

func TestTickForgottenClearsWaitingOnceOffline(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	now := time.Now()

	sender := &fakeSender{}
	if _, err := reg.ForgetPeer(context.Background(), sender, "alice", "bob", now); err != nil {
		t.Fatalf("ForgetPeer: %v", err)
	}

	// bob is never in the live overlay (never came online after being
	// forgotten): the next presence tick should clear waitingForOffline.
	if err := reg.ApplyPresenceSnapshot(nil, now); err != nil {
		t.Fatalf("ApplyPresenceSnapshot: %v", err)
	}
	if reg.IsForgottenWaiting("bob") {
		t.Fatalf("expected waitingForOffline to clear once bob is observed offline")
	}
}

func TestTickForgottenExpiresAfter24Hours(t *testing.T) {
	st := openTestStore(t)
	reg, _ := NewRegistry(st)
	start := time.Now()

	sender := &fakeSender{}
	if _, err := reg.ForgetPeer(context.Background(), sender, "alice", "bob", start); err != nil {
		t.Fatalf("ForgetPeer: %v", err)
	}
	// First tick (offline) clears waitingForOffline.
	if err := reg.ApplyPresenceSnapshot(nil, start); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// A second tick 25h later should expire the forgotten record outright.
	later := start.Add(25 * time.Hour)
	if err := reg.ApplyPresenceSnapshot(nil, later); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	rows, err := st.ListForgottenPeers()
	if err != nil {
		t.Fatalf("ListForgottenPeers: %v", err)
	}
	for _, r := range rows {
		if r.DeviceID == "bob" {
			t.Fatalf("expected bob's forgotten record to expire after 24h")
		}
	}
}

var errOffline = &sendOfflineError{}

type sendOfflineError struct{}

func (e *sendOfflineError) Error() string { return "peer unreachable" }
