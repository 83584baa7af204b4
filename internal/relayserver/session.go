package relayserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/frame"
)

// sessionState is the per-connection state machine (§4.4:
// "AWAITING_HELLO → LIVE → CLOSED").
type sessionState int

const (
	stateAwaitingHello sessionState = iota
	stateLive
	stateClosed
)

const (
	// helloTimeout bounds how long a freshly accepted connection has to
	// send its relay:hello before the Relay gives up on it.
	helloTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound websocket write.
	writeTimeout = 5 * time.Second

	// sessionSendTimeout bounds how long a push to one session's outbound
	// buffer may block before it is dropped, mirroring the teacher's
	// trySend select-with-timeout (server/internal/core/channel_state.go).
	sessionSendTimeout = 50 * time.Millisecond

	// sendBufferSize is the outbound envelope channel's capacity.
	sendBufferSize = 64
)

// session is one connected client's Relay-side state: a serialized writer
// goroutine draining an outbound envelope channel, grounded on the
// teacher's ctrlMu-guarded control writer (server/client.go) generalized
// into a buffered channel + dedicated goroutine, the same shape as
// server/internal/ws/handler.go's "go func(){ for out := range
// session.Send }".
type session struct {
	deviceID string
	conn     *websocket.Conn
	send     chan frame.Envelope
	cancel   context.CancelFunc

	mu    sync.Mutex
	state sessionState
}

func newSession(conn *websocket.Conn, cancel context.CancelFunc) *session {
	return &session{
		conn:   conn,
		send:   make(chan frame.Envelope, sendBufferSize),
		cancel: cancel,
		state:  stateAwaitingHello,
	}
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// tryDeliver enqueues an envelope for the writer goroutine, giving up
// after sessionSendTimeout if the outbound buffer stays full (a session in
// that much trouble will shortly be reaped by the idle sweep anyway).
func (s *session) tryDeliver(env frame.Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false // send on a channel closed by a concurrent close()
		}
	}()
	select {
	case s.send <- env:
		return true
	case <-time.After(sessionSendTimeout):
		return false
	}
}

// writeLoop drains the outbound channel and serializes every write onto
// the underlying connection. It returns (and the caller should close the
// connection) on the first write error.
func (s *session) writeLoop() {
	for env := range s.send {
		data, err := env.Encode()
		if err != nil {
			slog.Error("relay session: encode outbound envelope", "device_id", s.deviceID, "err", err)
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("relay session: write error", "device_id", s.deviceID, "err", err)
			return
		}
	}
}

// closeSession cancels the session's context and closes its connection.
// The outbound channel is left for the writer goroutine to drain/exit
// naturally once the connection close unblocks its write.
func (s *session) closeSession() {
	s.setState(stateClosed)
	s.cancel()
	_ = s.conn.Close()
}
