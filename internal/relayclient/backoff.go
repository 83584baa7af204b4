package relayclient

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectBackoff wraps cenkalti/backoff/v4's ExponentialBackOff to the
// spec's exact reconnect schedule (§4.5): initial 1.2s, doubled on each
// failure, capped at 10s, reset on a successful hello:ok. Grounded on the
// pack's wider convention of reaching for this library for retry/backoff
// rather than a hand-rolled counter (see DESIGN.md).
type reconnectBackoff struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func newReconnectBackoff() *reconnectBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.RandomizationFactor = 0 // no jitter: the library default would stretch the 10s cap to 15s
	b.MaxElapsedTime = 0      // never gives up; the client keeps retrying forever
	b.Reset()
	return &reconnectBackoff{b: b}
}

// next returns the delay before the next reconnect attempt, advancing the
// underlying exponential sequence.
func (r *reconnectBackoff) next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.b.NextBackOff()
	if d <= 0 {
		d = r.b.MaxInterval
	}
	return d
}

// reset restores the backoff to its initial interval, called after a
// successful hello:ok (§4.5).
func (r *reconnectBackoff) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Reset()
}
