package relayserver

import (
	"log/slog"

	"github.com/lantern-chat/lantern/internal/frame"
)

// replaceSession registers sess under deviceID, closing and discarding any
// prior session for the same device (§4.4 presence invariant a: "a new
// hello from an existing id replaces the prior session and closes it").
func (s *Server) replaceSession(deviceID string, sess *session) {
	s.mu.Lock()
	prior, existed := s.sessions[deviceID]
	s.sessions[deviceID] = sess
	s.mu.Unlock()

	if existed && prior != sess {
		slog.Info("relay: replacing duplicate session", "device_id", deviceID)
		close(prior.send)
		prior.closeSession()
	}
}

// removeSessionIfCurrent deletes deviceID's session entry only if it is
// still the same *session that is closing (a stale removal from a
// superseded connection must not clobber its replacement), returning
// whether it did so.
func (s *Server) removeSessionIfCurrent(deviceID string, sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[deviceID]; ok && cur == sess {
		delete(s.sessions, deviceID)
		close(sess.send)
		return true
	}
	return false
}

// dropSession force-closes a live session, e.g. from the idle sweep.
func (s *Server) dropSession(deviceID string) {
	s.mu.Lock()
	sess, ok := s.sessions[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.closeSession()
}

// deliverToDevice pushes an envelope to one live device's session. Returns
// false if the device has no live session.
func (s *Server) deliverToDevice(deviceID string, env frame.Envelope) bool {
	s.mu.RLock()
	sess, ok := s.sessions[deviceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.tryDeliver(env)
}

// broadcastEnvelope pushes an envelope to every live session except
// exceptDeviceID (pass "" to include everyone). Returns the device ids
// that accepted the push.
func (s *Server) broadcastEnvelope(env frame.Envelope, exceptDeviceID string) []string {
	s.mu.RLock()
	targets := make(map[string]*session, len(s.sessions))
	for id, sess := range s.sessions {
		if exceptDeviceID != "" && id == exceptDeviceID {
			continue
		}
		targets[id] = sess
	}
	s.mu.RUnlock()

	var delivered []string
	for id, sess := range targets {
		if sess.tryDeliver(env) {
			delivered = append(delivered, id)
		}
	}
	return delivered
}

// broadcastPresenceDelta builds and fans out a relay:presence:delta
// envelope, except to exceptDeviceID.
func (s *Server) broadcastPresenceDelta(op frame.DeltaOp, deviceID *string, peer *frame.PresencePeer, revision uint64, exceptDeviceID string) {
	env, err := frame.NewEnvelope(frame.EnvPresenceDelta, frame.PresenceDeltaPayload{
		Op:       op,
		Peer:     peer,
		DeviceID: deviceID,
		Revision: revision,
	})
	if err != nil {
		slog.Error("relay: encode presence delta", "err", err)
		return
	}
	s.broadcastEnvelope(env, exceptDeviceID)
}

// liveDeviceIDs returns every currently live device id.
func (s *Server) liveDeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}
