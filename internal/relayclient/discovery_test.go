package relayclient

import (
	"context"
	"testing"
	"time"
)

func TestResolveEnvOverrideWinsOverEverything(t *testing.T) {
	r := NewEndpointResolver("ws://10.0.0.1:9000", "192.168.1.5:8080")
	r.cache["1.2.3.4:43190"] = &discoveredEndpoint{addr: "1.2.3.4:43190", lastSeenAt: time.Now()}

	endpoint, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if endpoint != "ws://10.0.0.1:9000" {
		t.Fatalf("expected env override endpoint, got %q", endpoint)
	}
}

func TestResolveManualWinsOverDiscovery(t *testing.T) {
	r := NewEndpointResolver("", "192.168.1.5:8080")
	r.cache["1.2.3.4:43190"] = &discoveredEndpoint{addr: "1.2.3.4:43190", lastSeenAt: time.Now()}

	endpoint, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if endpoint != "ws://192.168.1.5:8080" {
		t.Fatalf("expected manual endpoint, got %q", endpoint)
	}
}

func TestResolveFallsBackToLoopback(t *testing.T) {
	r := NewEndpointResolver("", "")
	endpoint, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if endpoint != defaultFallbackEndpoint {
		t.Fatalf("expected loopback fallback, got %q", endpoint)
	}
}

func TestResolvePicksDiscoveredWhenNoOverrides(t *testing.T) {
	r := NewEndpointResolver("", "")
	r.cache["1.2.3.4:43190"] = &discoveredEndpoint{addr: "1.2.3.4:43190", private: 3, lastSeenAt: time.Now()}

	endpoint, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if endpoint != "ws://1.2.3.4:43190" {
		t.Fatalf("expected the discovered endpoint, got %q", endpoint)
	}
}

func TestBestDiscoveredRanksPrivateRangesOverPublic(t *testing.T) {
	r := NewEndpointResolver("", "")
	now := time.Now()
	r.cache["8.8.8.8:1"] = &discoveredEndpoint{addr: "8.8.8.8:1", private: 3, lastSeenAt: now}
	r.cache["192.168.1.9:1"] = &discoveredEndpoint{addr: "192.168.1.9:1", private: 0, lastSeenAt: now}
	r.cache["10.0.0.9:1"] = &discoveredEndpoint{addr: "10.0.0.9:1", private: 1, lastSeenAt: now}

	best := r.bestDiscovered(now)
	if best != "192.168.1.9:1" {
		t.Fatalf("expected the 192.168.* endpoint to rank first, got %q", best)
	}
}

func TestBestDiscoveredPrefersRecentHandshake(t *testing.T) {
	r := NewEndpointResolver("", "")
	now := time.Now()
	r.cache["10.0.0.9:1"] = &discoveredEndpoint{addr: "10.0.0.9:1", private: 1, lastSeenAt: now, lastHandshookAt: now.Add(-2 * time.Second)}
	r.cache["192.168.1.9:1"] = &discoveredEndpoint{addr: "192.168.1.9:1", private: 0, lastSeenAt: now}

	best := r.bestDiscovered(now)
	if best != "10.0.0.9:1" {
		t.Fatalf("expected the recently-handshook endpoint to win despite lower rank, got %q", best)
	}
}

func TestBestDiscoveredPrunesStaleEntries(t *testing.T) {
	r := NewEndpointResolver("", "")
	now := time.Now()
	r.cache["10.0.0.9:1"] = &discoveredEndpoint{addr: "10.0.0.9:1", lastSeenAt: now.Add(-2 * discoveryTTL)}

	if best := r.bestDiscovered(now); best != "" {
		t.Fatalf("expected stale entries to be pruned, got %q", best)
	}
	if len(r.cache) != 0 {
		t.Fatalf("expected pruned entry removed from cache")
	}
}

func TestNoteHandshookAtUpdatesCache(t *testing.T) {
	r := NewEndpointResolver("", "")
	r.cache["10.0.0.9:1"] = &discoveredEndpoint{addr: "10.0.0.9:1"}

	now := time.Now()
	r.NoteHandshookAt("ws://10.0.0.9:1", now)
	if !r.cache["10.0.0.9:1"].lastHandshookAt.Equal(now) {
		t.Fatalf("expected NoteHandshookAt to record the handshake time")
	}
}

func TestPrivateRank(t *testing.T) {
	cases := map[string]int{
		"192.168.1.1":    0,
		"10.1.2.3":       1,
		"172.16.0.1":     2,
		"172.31.255.255": 2,
		"172.32.0.1":     3,
		"8.8.8.8":        3,
		"relay.local":    4,
	}
	for host, want := range cases {
		if got := privateRank(host); got != want {
			t.Errorf("privateRank(%q) = %d, want %d", host, got, want)
		}
	}
}

func TestToWSURL(t *testing.T) {
	if got := toWSURL("192.168.1.1:8080"); got != "ws://192.168.1.1:8080" {
		t.Fatalf("expected scheme to be added, got %q", got)
	}
	if got := toWSURL("wss://host:1"); got != "wss://host:1" {
		t.Fatalf("expected an existing scheme to be preserved, got %q", got)
	}
}
