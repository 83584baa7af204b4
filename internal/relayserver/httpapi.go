package relayserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Version is the Relay's own build identifier, surfaced at GET
// /api/version for client compatibility checks.
const Version = "1.0.0"

// registerHTTPAPI binds the Relay's auxiliary debug/ops HTTP surface,
// grounded on server/internal/httpapi/server.go's route table
// (/health, /api/state) generalized to Lantern's presence/metrics naming
// and server/api.go's broader admin-route precedent.
func (s *Server) registerHTTPAPI(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/api/presence", s.handlePresenceDebug)
	e.GET("/api/metrics", s.handleMetrics)
	e.GET("/api/version", s.handleVersion)
}

type healthzResponse struct {
	Status       string `json:"status"`
	LiveSessions int    `json:"liveSessions"`
	UptimeSec    int64  `json:"uptimeSec"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:       "ok",
		LiveSessions: s.presence.count(),
		UptimeSec:    int64(time.Since(s.startedAt).Seconds()),
	})
}

type presenceDebugResponse struct {
	Peers    []presenceDebugPeer `json:"peers"`
	Revision uint64              `json:"revision"`
}

type presenceDebugPeer struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// handlePresenceDebug exposes the live presence table for operator
// inspection; it is not part of the client-facing protocol.
func (s *Server) handlePresenceDebug(c echo.Context) error {
	peers, revision := s.presence.snapshot()
	out := make([]presenceDebugPeer, len(peers))
	for i, p := range peers {
		out[i] = presenceDebugPeer{DeviceID: p.DeviceID, DisplayName: p.DisplayName, LastSeenAt: p.LastSeenAt}
	}
	return c.JSON(http.StatusOK, presenceDebugResponse{Peers: out, Revision: revision})
}

type metricsResponse struct {
	LiveSessions      int   `json:"liveSessions"`
	LiveAnnouncements int   `json:"liveAnnouncements"`
	UptimeSec         int64 `json:"uptimeSec"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	frames, _ := s.ring.snapshot()
	return c.JSON(http.StatusOK, metricsResponse{
		LiveSessions:      s.presence.count(),
		LiveAnnouncements: len(frames),
		UptimeSec:         int64(time.Since(s.startedAt).Seconds()),
	})
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: Version})
}
