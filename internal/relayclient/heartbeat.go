package relayclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/frame"
)

// runHeartbeat owns the heartbeat ticker for one live session (§4.5 d):
// every 10s send relay:heartbeat; once lastSeenAt exceeds 25s request a
// fresh presence snapshot; once it exceeds 45s, terminate the socket so
// Run's reconnect loop takes over. Grounded on the teacher's
// server/metrics.go ticker-loop shape.
func (c *Client) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			lastSeen := c.lastSeen
			cancel := c.cancel
			c.mu.Unlock()
			if conn == nil {
				return
			}

			age := time.Since(lastSeen)
			if age >= idleTerminateAge {
				slog.Warn("relayclient: heartbeat lost, terminating session", "age", age)
				if cancel != nil {
					cancel()
				}
				_ = conn.Close()
				return
			}

			c.sendEnvelope(conn, frame.EnvHeartbeat, frame.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})

			if age >= presenceStaleAge {
				c.sendEnvelope(conn, frame.EnvPresenceRequest, struct{}{})
			}
		}
	}
}

func (c *Client) sendEnvelope(conn *websocket.Conn, typ frame.EnvelopeType, payload any) {
	env, err := frame.NewEnvelope(typ, payload)
	if err != nil {
		slog.Error("relayclient: encode envelope", "type", typ, "err", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		slog.Error("relayclient: encode envelope", "type", typ, "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("relayclient: heartbeat write failed", "err", err)
	}
}
