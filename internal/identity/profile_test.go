package identity

import (
	"testing"
	"time"

	"github.com/lantern-chat/lantern/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLoadOrCreateGeneratesDeviceIDOnFirstLaunch(t *testing.T) {
	st := openTestStore(t)
	p, err := LoadOrCreate(st, Profile{DisplayName: "Alice"}, time.Now())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if p.DeviceID == "" {
		t.Fatalf("expected a generated deviceId")
	}
	if p.DisplayName != "Alice" {
		t.Fatalf("expected display name to carry through, got %q", p.DisplayName)
	}
}

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	first, err := LoadOrCreate(st, Profile{DisplayName: "Alice"}, time.Now())
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(st, Profile{DisplayName: "Ignored"}, time.Now())
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if second.DeviceID != first.DeviceID || second.DisplayName != "Alice" {
		t.Fatalf("expected the existing profile to be returned unchanged, got %+v", second)
	}
}

func TestUpdatePersistsChanges(t *testing.T) {
	st := openTestStore(t)
	p, err := LoadOrCreate(st, Profile{DisplayName: "Alice"}, time.Now())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	p.StatusMessage = "brb"
	if err := Update(st, p, time.Now()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reloaded, err := LoadOrCreate(st, Profile{}, time.Now())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.StatusMessage != "brb" {
		t.Fatalf("expected updated status message, got %q", reloaded.StatusMessage)
	}
}
