package relayclient

import (
	"fmt"
	"sync"
)

// ackResult is delivered to a pendingAcks waiter: either the ack's
// deliveredTo list, or an error (relay timeout / connection lost).
type ackResult struct {
	deliveredTo []string
	err         error
}

// waiterTable owns the pendingAcks and readyWaiters maps (§4.5, §9:
// "model as a cooperative state machine with explicit waiter maps keyed
// by message id, each holding a resolver + timeout"). All waiters are
// drained deterministically on every state transition out of READY.
type waiterTable struct {
	mu    sync.Mutex
	acks  map[string]chan ackResult
	ready map[chan error]struct{}
}

func newWaiterTable() *waiterTable {
	return &waiterTable{
		acks:  make(map[string]chan ackResult),
		ready: make(map[chan error]struct{}),
	}
}

// registerAck opens a one-shot waiter for frameMessageID's send ack.
func (w *waiterTable) registerAck(frameMessageID string) chan ackResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan ackResult, 1)
	w.acks[frameMessageID] = ch
	return ch
}

// resolveAck delivers deliveredTo to the waiter for frameMessageID, if any
// is still registered (a late/duplicate ack for a timed-out send is
// silently dropped).
func (w *waiterTable) resolveAck(frameMessageID string, deliveredTo []string) {
	w.mu.Lock()
	ch, ok := w.acks[frameMessageID]
	if ok {
		delete(w.acks, frameMessageID)
	}
	w.mu.Unlock()
	if ok {
		ch <- ackResult{deliveredTo: deliveredTo}
	}
}

// cancelAck removes a waiter without resolving it (used after a local
// timeout or write failure, so a late ack has nothing left to deliver to).
func (w *waiterTable) cancelAck(frameMessageID string) {
	w.mu.Lock()
	delete(w.acks, frameMessageID)
	w.mu.Unlock()
}

// registerReady opens a one-shot waiter for the next READY transition. The
// channel carries nil on success or a rejection error (rejectAll), so it
// must always be read via the one value it delivers, never a bare <-ch.
func (w *waiterTable) registerReady() chan error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan error, 1)
	w.ready[ch] = struct{}{}
	return ch
}

// cancelReady removes a ready waiter without signaling it (used after a
// local timeout/ctx cancellation raced a concurrent resolve).
func (w *waiterTable) cancelReady(ch chan error) {
	w.mu.Lock()
	delete(w.ready, ch)
	w.mu.Unlock()
}

// resolveAllReady resolves and clears every pending ready waiter with nil
// (success).
func (w *waiterTable) resolveAllReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.ready {
		ch <- nil
	}
	w.ready = make(map[chan error]struct{})
}

// rejectAll drains every pendingAck and readyWaiter with reason (§4.5: "on
// disconnect, reject all waiters with 'connection lost'"), so a caller
// blocked in sendFrame/awaitReady is released immediately instead of idling
// until its own timeout.
func (w *waiterTable) rejectAll(reason string) {
	w.mu.Lock()
	acks := w.acks
	w.acks = make(map[string]chan ackResult)
	ready := w.ready
	w.ready = make(map[chan error]struct{})
	w.mu.Unlock()

	err := fmt.Errorf("%s", reason)
	for _, ch := range acks {
		ch <- ackResult{err: err}
	}
	for ch := range ready {
		ch <- err
	}
}
