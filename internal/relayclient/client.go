// Package relayclient implements Lantern's Relay-client connection: a
// single-threaded cooperative state machine (§4.5) over one websocket,
// handling endpoint selection, the hello handshake, heartbeats, ack-waiting
// `sendFrame`, and automatic reconnect with exponential backoff.
//
// It is grounded on the teacher's client/transport.go connection shape
// (Connect/Disconnect/pingLoop/readControl) generalized from bken's
// single-shot QUIC dial into the spec's full IDLE/CONNECTING/READY/CLOSED
// machine with explicit waiter maps instead of ad hoc callbacks.
package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/frame"
)

// State is the client's connection lifecycle (§4.5).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	sendFrameTimeout  = 10 * time.Second
	readyWaitTimeout  = 8 * time.Second
	connectTimeout    = 8 * time.Second
	heartbeatInterval = 10 * time.Second
	presenceStaleAge  = 25 * time.Second
	idleTerminateAge  = 45 * time.Second
)

// FrameHandler receives inbound application frames and presence/connection
// notifications, dispatched on the client's single read loop. Implemented
// by the control loop (C10); kept here as a narrow interface so this
// package never imports messaging/control.
type FrameHandler interface {
	HandleDeliver(f frame.Frame)
	HandlePresenceSnapshot(peers []frame.PresencePeer, revision uint64)
	HandlePresenceDelta(p frame.PresenceDeltaPayload)
	HandleAnnouncementSnapshot(frames []frame.Frame, reactions map[string]map[string]string)
	HandleAnnouncementExpired(messageIDs []string)
	HandleAnnouncementReactions(messageID string, reactions map[string]string)
	HandleConnectionChange(state State, reason string)
}

// Config configures one Client instance.
type Config struct {
	Profile  frame.ProfilePayload
	Resolver *EndpointResolver
	Handler  FrameHandler
}

// Client owns one websocket connection to the Relay and the client-side
// half of the relay session protocol (§4.5).
type Client struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	cancel   context.CancelFunc
	lastSeen time.Time // last time any inbound message was observed

	waiters *waiterTable
	backoff *reconnectBackoff

	closeOnce sync.Once
	stopped   chan struct{}
}

// New constructs a Client in StateIdle. Call Run to start connecting.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		state:   StateIdle,
		waiters: newWaiterTable(),
		backoff: newReconnectBackoff(),
		stopped: make(chan struct{}),
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or Stop is
// called. It blocks; callers should run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown("shutting down")
			return
		case <-c.stopped:
			return
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			slog.Warn("relayclient: connect attempt failed", "err", err)
			delay := c.backoff.next()
			select {
			case <-ctx.Done():
				c.shutdown("shutting down")
				return
			case <-c.stopped:
				return
			case <-time.After(delay):
			}
			continue
		}
		// connectOnce blocks for the life of one connection; when it
		// returns the session ended (cleanly or not) and we loop to
		// reconnect, unless Stop/ctx cancellation already fired.
	}
}

// Stop terminates the client and any live connection permanently.
func (c *Client) Stop() {
	c.closeOnce.Do(func() { close(c.stopped) })
	c.shutdown("shutting down")
}

func (c *Client) setState(s State, reason string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == StateReady {
		c.waiters.resolveAllReady()
	}
	if c.cfg.Handler != nil {
		c.cfg.Handler.HandleConnectionChange(s, reason)
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connectOnce resolves an endpoint, dials, performs the hello handshake,
// and then serves the connection until it closes.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting, "")

	endpoint, err := c.cfg.Resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve relay endpoint: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = sessionCancel
	c.lastSeen = time.Now()
	c.mu.Unlock()

	env, err := frame.NewEnvelope(frame.EnvHello, frame.HelloPayload{Profile: c.cfg.Profile})
	if err != nil {
		sessionCancel()
		_ = conn.Close()
		return fmt.Errorf("encode hello: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		sessionCancel()
		_ = conn.Close()
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sessionCancel()
		_ = conn.Close()
		return fmt.Errorf("write hello: %w", err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		sessionCancel()
		_ = conn.Close()
		return fmt.Errorf("read hello:ok: %w", err)
	}
	replyEnv, err := frame.DecodeEnvelope(reply)
	if err != nil || replyEnv.Type != frame.EnvHelloOK {
		sessionCancel()
		_ = conn.Close()
		return fmt.Errorf("unexpected first reply %q", replyEnv.Type)
	}

	c.backoff.reset()
	c.setState(StateReady, "")
	c.cfg.Resolver.NoteHandshookAt(endpoint, time.Now())

	go c.runHeartbeat(sessionCtx)
	c.readLoop(conn)

	sessionCancel()
	_ = conn.Close()
	c.teardownSession("connection lost")
	return nil
}

// readLoop blocks reading envelopes until the connection errors or closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		env, err := frame.DecodeEnvelope(data)
		if err != nil {
			slog.Debug("relayclient: malformed envelope", "err", err)
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env frame.Envelope) {
	h := c.cfg.Handler
	switch env.Type {
	case frame.EnvDeliver:
		var p frame.DeliverPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandleDeliver(p.Frame)
		}
	case frame.EnvPresence:
		var p frame.PresenceSnapshotPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandlePresenceSnapshot(p.Peers, p.Revision)
		}
	case frame.EnvPresenceDelta:
		var p frame.PresenceDeltaPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandlePresenceDelta(p)
		}
	case frame.EnvAnnouncementSnapshot:
		var p frame.AnnouncementSnapshotPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandleAnnouncementSnapshot(p.Frames, p.Reactions)
		}
	case frame.EnvAnnouncementExpired:
		var p frame.AnnouncementExpiredPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandleAnnouncementExpired(p.MessageIDs)
		}
	case frame.EnvAnnouncementReactions:
		var p frame.AnnouncementReactionsPayload
		if env.Decode(&p) == nil && h != nil {
			h.HandleAnnouncementReactions(p.MessageID, p.Reactions)
		}
	case frame.EnvSendAck:
		var p frame.SendAckPayload
		if env.Decode(&p) == nil {
			c.waiters.resolveAck(p.FrameMessageID, p.DeliveredTo)
		}
	case frame.EnvPong:
		// lastSeen already refreshed by readLoop; nothing else to do.
	case frame.EnvError:
		var p frame.ErrorPayload
		if env.Decode(&p) == nil {
			slog.Debug("relayclient: relay:error", "code", p.Code, "message", p.Message)
		}
	}
}

// sendFrame is the public send API (§4.5): wait for READY (or time out),
// write the frame, and await its relay:send:ack.
func (c *Client) sendFrame(ctx context.Context, f frame.Frame) ([]string, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("relay offline")
	}

	ackCh := c.waiters.registerAck(f.MessageID)
	env, err := frame.NewEnvelope(frame.EnvSend, frame.SendPayload{Frame: f})
	if err != nil {
		c.waiters.cancelAck(f.MessageID)
		return nil, fmt.Errorf("encode send envelope: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		c.waiters.cancelAck(f.MessageID)
		return nil, fmt.Errorf("encode send envelope: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.waiters.cancelAck(f.MessageID)
		return nil, fmt.Errorf("write send frame: %w", err)
	}

	select {
	case res := <-ackCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.deliveredTo, nil
	case <-time.After(sendFrameTimeout):
		c.waiters.cancelAck(f.MessageID)
		return nil, fmt.Errorf("relay timeout")
	case <-ctx.Done():
		c.waiters.cancelAck(f.MessageID)
		return nil, ctx.Err()
	}
}

// SendFrame is the exported entry point for callers outside this package.
func (c *Client) SendFrame(ctx context.Context, f frame.Frame) ([]string, error) {
	return c.sendFrame(ctx, f)
}

// awaitReady blocks until the client reaches StateReady, times out at 8s,
// or ctx is cancelled.
func (c *Client) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	ch := c.waiters.registerReady()
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-time.After(readyWaitTimeout):
		c.waiters.cancelReady(ch)
		return fmt.Errorf("ready timeout")
	case <-ctx.Done():
		c.waiters.cancelReady(ch)
		return ctx.Err()
	}
}

// teardownSession rejects all outstanding waiters and returns the client to
// StateIdle for one ended connection (§4.5: "on any disconnect"). It does
// not clear presence: the FrameHandler's presence view is not reset here.
func (c *Client) teardownSession(reason string) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.waiters.rejectAll(reason)
	c.setState(StateIdle, reason)
}

func (c *Client) shutdown(reason string) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.waiters.rejectAll(reason)
	if c.cfg.Handler != nil {
		c.cfg.Handler.HandleConnectionChange(StateClosed, reason)
	}
}
