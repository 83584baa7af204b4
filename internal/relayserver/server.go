// Package relayserver implements the Lantern Relay: the LAN hub that
// accepts client websocket connections, tracks live presence, routes
// relay:send frames (direct delivery or announcement fan-out), and serves
// a small auxiliary HTTP surface for health/metrics/debugging. It is
// grounded on the teacher's websocket control-plane
// (server/internal/ws/handler.go, server/internal/core/channel_state.go)
// generalized from bken's per-server-room model to Lantern's single flat
// presence table and frame-routing contract (§4.4).
package relayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lantern-chat/lantern/internal/frame"
)

// Server is the Relay's websocket + presence + announcement hub.
type Server struct {
	presence *presenceTable
	ring     *announcementRing
	astore   *announcementStore
	limiter  *ipLimiter

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session // deviceId -> live session

	startedAt time.Time
}

// New constructs a Relay server. dbPath selects where the announcement
// ring is persisted ("" or ":memory:" for an ephemeral, non-restart-safe
// ring).
func New(dbPath string) (*Server, error) {
	var astore *announcementStore
	if dbPath != "" {
		s, err := openAnnouncementStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open relay announcement store: %w", err)
		}
		astore = s
	}

	ring, err := newAnnouncementRing(astore)
	if err != nil {
		return nil, err
	}

	return &Server{
		presence: newPresenceTable(),
		ring:     ring,
		astore:   astore,
		limiter:  newIPLimiter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		sessions:  make(map[string]*session),
		startedAt: time.Now(),
	}, nil
}

// Close releases the Relay's persistent resources.
func (s *Server) Close() error {
	return s.astore.close()
}

// Register binds the Relay's websocket and auxiliary HTTP routes onto an
// Echo router (§4.4.1; grounded on server/internal/httpapi/server.go).
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
	s.registerHTTPAPI(e)
}

// RunSweeps starts the idle-session and announcement-expiry background
// loops; it blocks until ctx is cancelled.
func (s *Server) RunSweeps(ctx context.Context) {
	idleTicker := time.NewTicker(5 * time.Second)
	defer idleTicker.Stop()
	sweepTicker := time.NewTicker(announcementSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTicker.C:
			s.reapIdleSessions()
		case <-sweepTicker.C:
			s.sweepAnnouncements()
		}
	}
}

func (s *Server) reapIdleSessions() {
	cutoff := time.Now().Add(-idleSessionTimeout).UnixMilli()
	for _, deviceID := range s.presence.idleSince(cutoff) {
		slog.Info("relay: reaping idle session", "device_id", deviceID)
		s.dropSession(deviceID)
	}
}

func (s *Server) sweepAnnouncements() {
	expired := s.ring.sweepExpired(time.Now())
	if len(expired) == 0 {
		return
	}
	env, err := frame.NewEnvelope(frame.EnvAnnouncementExpired, frame.AnnouncementExpiredPayload{MessageIDs: expired})
	if err != nil {
		slog.Error("relay: encode announcement:expired", "err", err)
		return
	}
	s.broadcastEnvelope(env, "")
	slog.Info("relay: announcements expired", "count", len(expired))
}

// HandleWebSocket upgrades one HTTP request to a websocket and serves it
// until disconnect (grounded on server/internal/ws/handler.go's
// HandleWebSocket + serveConn split).
func (s *Server) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	if !s.limiter.allow(remoteAddr) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("relay: ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveConn(conn, remoteAddr)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(4 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := newSession(conn, cancel)
	go sess.writeLoop()

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		slog.Debug("relay: hello read failed", "remote", remoteAddr, "err", err)
		close(sess.send)
		return
	}

	env, err := frame.DecodeEnvelope(data)
	if err != nil || env.Type != frame.EnvHello {
		slog.Debug("relay: first message must be hello", "remote", remoteAddr)
		s.writeDirectError(conn, frame.ErrCodeNotReady, "first message must be relay:hello")
		close(sess.send)
		return
	}

	var hello frame.HelloPayload
	if err := env.Decode(&hello); err != nil || hello.Profile.DeviceID == "" {
		slog.Debug("relay: malformed hello", "remote", remoteAddr, "err", err)
		s.writeDirectError(conn, frame.ErrCodeBadFrame, "malformed hello payload")
		close(sess.send)
		return
	}

	deviceID := hello.Profile.DeviceID
	sess.deviceID = deviceID
	_ = conn.SetReadDeadline(time.Time{})

	s.replaceSession(deviceID, sess)
	revision := s.presence.upsert(deviceID, hello.Profile, time.Now().UnixMilli())
	sess.setState(stateLive)

	slog.Info("relay: session live", "device_id", deviceID, "remote", remoteAddr)

	s.sendHelloOK(sess, deviceID, revision)
	s.sendAnnouncementSnapshot(sess)
	s.broadcastPresenceDelta(frame.DeltaUpsert, &deviceID, toPresencePeerForDevice(s.presence, deviceID), revision, deviceID)

	defer func() {
		// Only the session that is still current for deviceId may clear
		// presence on its way out — a superseded session's own read loop
		// unwinding after replaceSession closed it must not clobber the
		// replacement's live state.
		if s.removeSessionIfCurrent(deviceID, sess) {
			newRev, _ := s.presence.remove(deviceID)
			s.broadcastPresenceDelta(frame.DeltaRemove, &deviceID, nil, newRev, "")
			slog.Info("relay: session closed", "device_id", deviceID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("relay: unexpected close", "device_id", deviceID, "err", err)
			}
			return
		}
		s.presence.touch(deviceID, time.Now().UnixMilli())

		in, err := frame.DecodeEnvelope(data)
		if err != nil {
			s.sendError(sess, frame.ErrCodeBadFrame, "malformed envelope")
			continue
		}
		s.handleEnvelope(sess, deviceID, in)
	}
}

func (s *Server) handleEnvelope(sess *session, deviceID string, in frame.Envelope) {
	switch in.Type {
	case frame.EnvHeartbeat:
		var hb frame.HeartbeatPayload
		_ = in.Decode(&hb)
		s.sendEnv(sess, frame.EnvPong, frame.PongPayload{Timestamp: hb.Timestamp})

	case frame.EnvUpdateProfile:
		var p frame.ProfilePayload
		if err := in.Decode(&p); err != nil {
			s.sendError(sess, frame.ErrCodeBadFrame, "malformed updateProfile payload")
			return
		}
		p.DeviceID = deviceID
		revision := s.presence.upsert(deviceID, p, time.Now().UnixMilli())
		s.broadcastPresenceDelta(frame.DeltaUpsert, &deviceID, toPresencePeerForDevice(s.presence, deviceID), revision, "")

	case frame.EnvPresenceRequest:
		peers, revision := s.presence.snapshot()
		s.sendEnv(sess, frame.EnvPresence, frame.PresenceSnapshotPayload{Peers: peers, Revision: revision})

	case frame.EnvSend:
		var p frame.SendPayload
		if err := in.Decode(&p); err != nil {
			s.sendError(sess, frame.ErrCodeBadFrame, "malformed send payload")
			return
		}
		ack := s.handleSend(deviceID, p.Frame)
		s.sendEnv(sess, frame.EnvSendAck, ack)

	default:
		s.sendError(sess, frame.ErrCodeUnknownType, fmt.Sprintf("unsupported envelope type %q", in.Type))
	}
}

func (s *Server) sendHelloOK(sess *session, deviceID string, revision uint64) {
	s.sendEnv(sess, frame.EnvHelloOK, frame.HelloOKPayload{DeviceID: deviceID, Revision: revision})
}

func (s *Server) sendAnnouncementSnapshot(sess *session) {
	frames, reactions := s.ring.snapshot()
	s.sendEnv(sess, frame.EnvAnnouncementSnapshot, frame.AnnouncementSnapshotPayload{Frames: frames, Reactions: reactions})
}

func (s *Server) sendEnv(sess *session, typ frame.EnvelopeType, payload any) {
	env, err := frame.NewEnvelope(typ, payload)
	if err != nil {
		slog.Error("relay: encode envelope", "type", typ, "err", err)
		return
	}
	sess.tryDeliver(env)
}

func (s *Server) sendError(sess *session, code frame.ErrorCode, message string) {
	s.sendEnv(sess, frame.EnvError, frame.ErrorPayload{Code: code, Message: message})
}

func (s *Server) writeDirectError(conn *websocket.Conn, code frame.ErrorCode, message string) {
	env, err := frame.NewEnvelope(frame.EnvError, frame.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func toPresencePeerForDevice(p *presenceTable, deviceID string) *frame.PresencePeer {
	peers, _ := p.snapshot()
	for _, peer := range peers {
		if peer.DeviceID == deviceID {
			return &peer
		}
	}
	return nil
}
