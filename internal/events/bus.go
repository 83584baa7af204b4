// Package events implements Lantern's UI event bus (§4.9): a closed set of
// typed notifications fanned out from the control loop to a UI adapter.
//
// It is grounded on the teacher's SetOnXxx(fn func(...)) callback-registration
// idiom (client/transport.go), but inverted per the dependency-inversion
// guidance: instead of one setter per event kind, callers register a single
// Subscribe(func(Event)) handler and switch on Event.Kind.
package events

import (
	"sync"
)

// Kind is the closed set of event kinds delivered to subscribers (§4.9).
type Kind string

const (
	KindPeersUpdated          Kind = "peers:updated"
	KindRelayConnection       Kind = "relay:connection"
	KindSyncStatus            Kind = "sync:status"
	KindMessageReceived       Kind = "message:received"
	KindMessageUpdated        Kind = "message:updated"
	KindMessageRemoved        Kind = "message:removed"
	KindConversationCleared   Kind = "conversation:cleared"
	KindMessageStatus         Kind = "message:status"
	KindTypingUpdate          Kind = "typing:update"
	KindUIToast               Kind = "ui:toast"
	KindTransferProgress      Kind = "transfer:progress"
	KindNavigate              Kind = "navigate"
	KindMessageReactions      Kind = "message:reactions"
	KindAnnouncementReactions Kind = "announcement:reactions"
)

// TransferDirection distinguishes an outgoing send from an incoming receive
// for a transfer:progress event.
type TransferDirection string

const (
	TransferOutgoing TransferDirection = "outgoing"
	TransferIncoming TransferDirection = "incoming"
)

// TransferProgress is the payload of a transfer:progress event (§4.9). It is
// never coalesced: every call to Publish for this kind is delivered, in
// order, even if a newer progress value has already superseded it.
type TransferProgress struct {
	Direction   TransferDirection
	FileID      string
	MessageID   string
	PeerID      string
	Transferred int64
	Total       int64
}

// Event is one notification delivered to subscribers. Data holds the
// kind-specific payload; callers type-assert based on Kind.
type Event struct {
	Kind Kind
	Data any
}

// Bus is an ordered, per-emitter fan-out of Events to subscribers. A single
// internal goroutine drains a queue, so subscribers run off the publisher's
// goroutine and delivery order matches publish order; Publish blocks only
// once that queue is full (§4.9, §5: "per-emitter ordered delivery").
type Bus struct {
	mu   sync.Mutex
	subs []func(Event)

	queue   chan Event
	closeCh chan struct{}
	once    sync.Once
}

// NewBus returns a running Bus. The queue depth bounds how far delivery may
// lag behind publication before Publish starts to block the caller; it does
// not allow drops.
func NewBus() *Bus {
	b := &Bus{
		queue:   make(chan Event, 256),
		closeCh: make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers fn to receive every future event, in publish order.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	idx := len(b.subs) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subs) {
			b.subs[idx] = nil
		}
	}
}

// Publish enqueues ev for delivery to every current subscriber. It blocks if
// the internal queue is full, applying back-pressure rather than dropping or
// coalescing — required for transfer:progress (§4.9) and harmless for every
// other kind.
func (b *Bus) Publish(ev Event) {
	select {
	case b.queue <- ev:
	case <-b.closeCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.queue:
			b.mu.Lock()
			subs := make([]func(Event), len(b.subs))
			copy(subs, b.subs)
			b.mu.Unlock()
			for _, fn := range subs {
				if fn != nil {
					fn(ev)
				}
			}
		case <-b.closeCh:
			return
		}
	}
}

// Close stops the bus's delivery goroutine. Subsequent Publish calls return
// immediately without delivering.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closeCh) })
}
