package relayclient

import (
	"testing"
	"time"
)

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	b := newReconnectBackoff()

	first := b.next()
	if first <= 0 || first > 2*time.Second {
		t.Fatalf("expected an initial backoff on the order of ~1.2s, got %v", first)
	}

	for i := 0; i < 15; i++ {
		d := b.next()
		if d <= 0 || d > 12*time.Second {
			t.Fatalf("expected every backoff to stay within the capped range, got %v", d)
		}
	}
}

func TestReconnectBackoffResetReturnsToInitial(t *testing.T) {
	b := newReconnectBackoff()
	for i := 0; i < 15; i++ {
		b.next()
	}
	b.reset()
	d := b.next()
	if d > 3*time.Second {
		t.Fatalf("expected a reset backoff to start small again, got %v", d)
	}
}
