package relayserver

import (
	"testing"

	"github.com/lantern-chat/lantern/internal/frame"
)

func TestPresenceUpsertBumpsRevision(t *testing.T) {
	p := newPresenceTable()
	rev1 := p.upsert("dev1", frame.ProfilePayload{DeviceID: "dev1", DisplayName: "Alice"}, 100)
	rev2 := p.upsert("dev2", frame.ProfilePayload{DeviceID: "dev2", DisplayName: "Bob"}, 101)
	if rev2 <= rev1 {
		t.Fatalf("expected revision to advance monotonically, got %d then %d", rev1, rev2)
	}

	peers, revision := p.snapshot()
	if len(peers) != 2 || revision != rev2 {
		t.Fatalf("unexpected snapshot: %+v rev=%d", peers, revision)
	}
}

func TestPresenceRemoveUnknownIsNoop(t *testing.T) {
	p := newPresenceTable()
	rev, existed := p.remove("ghost")
	if existed || rev != 0 {
		t.Fatalf("expected no-op remove, got existed=%v rev=%d", existed, rev)
	}
}

func TestPresenceTouchDoesNotBumpRevision(t *testing.T) {
	p := newPresenceTable()
	rev := p.upsert("dev1", frame.ProfilePayload{DeviceID: "dev1"}, 100)
	p.touch("dev1", 200)
	_, rev2 := p.snapshot()
	if rev2 != rev {
		t.Fatalf("touch must not bump revision: before=%d after=%d", rev, rev2)
	}
}

func TestPresenceIdleSince(t *testing.T) {
	p := newPresenceTable()
	p.upsert("stale", frame.ProfilePayload{DeviceID: "stale"}, 100)
	p.upsert("fresh", frame.ProfilePayload{DeviceID: "fresh"}, 900)

	idle := p.idleSince(500)
	if len(idle) != 1 || idle[0] != "stale" {
		t.Fatalf("expected only 'stale' idle, got %v", idle)
	}
}

func TestPresenceIsLive(t *testing.T) {
	p := newPresenceTable()
	if p.isLive("dev1") {
		t.Fatalf("expected dev1 not live before upsert")
	}
	p.upsert("dev1", frame.ProfilePayload{DeviceID: "dev1"}, 1)
	if !p.isLive("dev1") {
		t.Fatalf("expected dev1 live after upsert")
	}
	p.remove("dev1")
	if p.isLive("dev1") {
		t.Fatalf("expected dev1 not live after remove")
	}
}
