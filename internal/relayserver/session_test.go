package relayserver

import (
	"context"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/frame"
)

func TestTryDeliverSucceedsWithinCapacity(t *testing.T) {
	sess := newSession(&websocket.Conn{}, func() {})
	env, err := frame.NewEnvelope(frame.EnvPong, frame.PongPayload{Timestamp: 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if !sess.tryDeliver(env) {
		t.Fatalf("expected delivery into a non-full buffer to succeed")
	}
	if len(sess.send) != 1 {
		t.Fatalf("expected one queued envelope, got %d", len(sess.send))
	}
}

func TestTryDeliverDropsOnFullBuffer(t *testing.T) {
	sess := newSession(&websocket.Conn{}, func() {})
	env, _ := frame.NewEnvelope(frame.EnvPong, frame.PongPayload{Timestamp: 1})
	for i := 0; i < sendBufferSize; i++ {
		if !sess.tryDeliver(env) {
			t.Fatalf("expected buffer fill-up send %d to succeed", i)
		}
	}
	if sess.tryDeliver(env) {
		t.Fatalf("expected delivery to a full buffer to time out and fail")
	}
}

func TestTryDeliverAfterCloseDoesNotPanic(t *testing.T) {
	sess := newSession(&websocket.Conn{}, func() {})
	close(sess.send)
	env, _ := frame.NewEnvelope(frame.EnvPong, frame.PongPayload{Timestamp: 1})
	if sess.tryDeliver(env) {
		t.Fatalf("expected delivery on a closed channel to report failure, not success")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(&websocket.Conn{}, cancel)
	if sess.getState() != stateAwaitingHello {
		t.Fatalf("expected a fresh session to start in stateAwaitingHello")
	}
	sess.setState(stateLive)
	if sess.getState() != stateLive {
		t.Fatalf("expected stateLive after setState")
	}
	sess.cancel()
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected cancel to propagate to the session's context")
	}
}
