package relayserver

import (
	"testing"
	"time"

	"github.com/lantern-chat/lantern/internal/frame"
)

func mustAnnounceFrame(t *testing.T, from, text string) frame.Frame {
	t.Helper()
	f, err := frame.NewFrame(frame.TypeAnnounce, from, nil, frame.AnnouncePayload{Text: text}, time.Now())
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestAnnouncementRingInsertAndSnapshot(t *testing.T) {
	r, err := newAnnouncementRing(nil)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	now := time.Now()
	f1 := mustAnnounceFrame(t, "alice", "first")
	f2 := mustAnnounceFrame(t, "bob", "second")
	if err := r.insert(f1, now); err != nil {
		t.Fatalf("insert f1: %v", err)
	}
	if err := r.insert(f2, now); err != nil {
		t.Fatalf("insert f2: %v", err)
	}

	frames, reactions := r.snapshot()
	if len(frames) != 2 || frames[0].MessageID != f1.MessageID || frames[1].MessageID != f2.MessageID {
		t.Fatalf("expected insertion-order snapshot, got %+v", frames)
	}
	if len(reactions[f1.MessageID]) != 0 {
		t.Fatalf("expected no reactions yet")
	}
}

func TestAnnouncementRingSweepExpired(t *testing.T) {
	r, err := newAnnouncementRing(nil)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	f := mustAnnounceFrame(t, "alice", "stale")
	if err := r.insert(f, past); err != nil {
		t.Fatalf("insert: %v", err)
	}

	expired := r.sweepExpired(time.Now())
	if len(expired) != 1 || expired[0] != f.MessageID {
		t.Fatalf("expected the stale entry to expire, got %v", expired)
	}
	if r.has(f.MessageID) {
		t.Fatalf("expected expired entry removed from the ring")
	}
}

func TestAnnouncementRingSweepKeepsFreshEntries(t *testing.T) {
	r, err := newAnnouncementRing(nil)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	f := mustAnnounceFrame(t, "alice", "fresh")
	if err := r.insert(f, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	expired := r.sweepExpired(time.Now())
	if len(expired) != 0 {
		t.Fatalf("expected no expiry for a fresh entry, got %v", expired)
	}
	if !r.has(f.MessageID) {
		t.Fatalf("expected the fresh entry to remain")
	}
}

func TestAnnouncementRingReactClearAndUnknownID(t *testing.T) {
	r, err := newAnnouncementRing(nil)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	f := mustAnnounceFrame(t, "alice", "hi")
	if err := r.insert(f, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	thumbsUp := frame.EmojiThumbsUp
	reactions, ok := r.react(f.MessageID, "bob", &thumbsUp)
	if !ok || reactions["bob"] != string(thumbsUp) {
		t.Fatalf("expected bob's reaction recorded, got %+v ok=%v", reactions, ok)
	}

	reactions, ok = r.react(f.MessageID, "bob", nil)
	if !ok {
		t.Fatalf("expected clearing reaction to succeed")
	}
	if _, stillThere := reactions["bob"]; stillThere {
		t.Fatalf("expected bob's reaction to be cleared")
	}

	if _, ok := r.react("unknown-id", "bob", &thumbsUp); ok {
		t.Fatalf("expected reacting to an unknown announcement id to fail")
	}
}

func TestAnnouncementRingPersistsAcrossRestart(t *testing.T) {
	store, err := openAnnouncementStore(":memory:")
	if err != nil {
		t.Fatalf("openAnnouncementStore: %v", err)
	}
	defer store.close()

	r, err := newAnnouncementRing(store)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	f := mustAnnounceFrame(t, "alice", "persisted")
	if err := r.insert(f, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	thumbsUp := frame.EmojiThumbsUp
	if _, ok := r.react(f.MessageID, "bob", &thumbsUp); !ok {
		t.Fatalf("expected reaction to succeed")
	}

	restored, err := newAnnouncementRing(store)
	if err != nil {
		t.Fatalf("newAnnouncementRing restore: %v", err)
	}
	frames, reactions := restored.snapshot()
	if len(frames) != 1 || frames[0].MessageID != f.MessageID {
		t.Fatalf("expected the announcement to survive a restart, got %+v", frames)
	}
	if reactions[f.MessageID]["bob"] != string(thumbsUp) {
		t.Fatalf("expected bob's reaction to survive a restart, got %+v", reactions)
	}
}

func TestAnnouncementRingDeletePersists(t *testing.T) {
	store, err := openAnnouncementStore(":memory:")
	if err != nil {
		t.Fatalf("openAnnouncementStore: %v", err)
	}
	defer store.close()

	r, err := newAnnouncementRing(store)
	if err != nil {
		t.Fatalf("newAnnouncementRing: %v", err)
	}
	f := mustAnnounceFrame(t, "alice", "to delete")
	if err := r.insert(f, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r.delete(f.MessageID)

	restored, err := newAnnouncementRing(store)
	if err != nil {
		t.Fatalf("newAnnouncementRing restore: %v", err)
	}
	frames, _ := restored.snapshot()
	if len(frames) != 0 {
		t.Fatalf("expected the deleted announcement to stay gone after restore, got %+v", frames)
	}
}
