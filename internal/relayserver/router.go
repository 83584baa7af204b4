package relayserver

import (
	"log/slog"
	"time"

	"github.com/lantern-chat/lantern/internal/frame"
)

// handleSend routes one relay:send frame per §4.4 and returns the
// relay:send:ack payload the sender should receive. The ack's
// deliveredTo lists every device id that actually accepted the push.
func (s *Server) handleSend(fromDeviceID string, f frame.Frame) frame.SendAckPayload {
	now := time.Now()

	switch {
	case f.Broadcast() && f.Type == frame.TypeAnnounce:
		return frame.SendAckPayload{
			FrameMessageID: f.MessageID,
			DeliveredTo:    s.routeAnnounce(f, now),
		}

	case f.Broadcast() && f.Type == frame.TypeChatDelete:
		return frame.SendAckPayload{
			FrameMessageID: f.MessageID,
			DeliveredTo:    s.routeAnnouncementDelete(f),
		}

	case f.Broadcast() && f.Type == frame.TypeChatReact:
		return frame.SendAckPayload{
			FrameMessageID: f.MessageID,
			DeliveredTo:    s.routeAnnouncementReact(f),
		}

	case f.Broadcast():
		// Any other broadcast-addressed frame (e.g. a server-wide typing
		// indicator) is fanned out as-is; frame.to == nil is the general
		// broadcast contract (§4.1), the three cases above are the
		// special-cased announcement lifecycle.
		env, err := frame.NewEnvelope(frame.EnvDeliver, frame.DeliverPayload{Frame: f})
		if err != nil {
			slog.Error("relay: encode deliver envelope", "err", err)
			return frame.SendAckPayload{FrameMessageID: f.MessageID, DeliveredTo: nil}
		}
		return frame.SendAckPayload{
			FrameMessageID: f.MessageID,
			DeliveredTo:    s.broadcastEnvelope(env, ""),
		}

	default:
		return frame.SendAckPayload{
			FrameMessageID: f.MessageID,
			DeliveredTo:    s.routeDirect(f),
		}
	}
}

// routeDirect delivers a to-addressed frame to its single recipient if
// that device is live; the Relay never buffers for an absent recipient
// (resolved Open Question, §9).
func (s *Server) routeDirect(f frame.Frame) []string {
	if f.To == nil {
		return nil
	}
	env, err := frame.NewEnvelope(frame.EnvDeliver, frame.DeliverPayload{Frame: f})
	if err != nil {
		slog.Error("relay: encode deliver envelope", "err", err)
		return nil
	}
	if s.deliverToDevice(*f.To, env) {
		return []string{*f.To}
	}
	return nil
}

// routeAnnounce inserts a new announcement into the ring, persists it,
// and fans it out to every live peer (including the sender, matching the
// teacher's "broadcast includes sender" chat convention so every client's
// view stays consistent without a local echo).
func (s *Server) routeAnnounce(f frame.Frame, now time.Time) []string {
	if err := s.ring.insert(f, now); err != nil {
		slog.Error("relay: persist announcement", "message_id", f.MessageID, "err", err)
	}
	env, err := frame.NewEnvelope(frame.EnvDeliver, frame.DeliverPayload{Frame: f})
	if err != nil {
		slog.Error("relay: encode deliver envelope", "err", err)
		return nil
	}
	return s.broadcastEnvelope(env, "")
}

// routeAnnouncementDelete removes a ring entry targeted by chat:delete and
// fans out its removal via relay:announcement:expired, reusing the expiry
// envelope for both TTL-driven and explicit removal (§4.4: "update the
// ring").
func (s *Server) routeAnnouncementDelete(f frame.Frame) []string {
	var p frame.ChatDeletePayload
	if err := f.DecodePayload(&p); err != nil || p.TargetMessageID == "" {
		return nil
	}
	if !s.ring.has(p.TargetMessageID) {
		return nil
	}
	s.ring.delete(p.TargetMessageID)

	env, err := frame.NewEnvelope(frame.EnvAnnouncementExpired, frame.AnnouncementExpiredPayload{MessageIDs: []string{p.TargetMessageID}})
	if err != nil {
		slog.Error("relay: encode announcement:expired", "err", err)
		return nil
	}
	return s.broadcastEnvelope(env, "")
}

// routeAnnouncementReact upserts (or clears) one reactor's emoji on a ring
// entry and fans out the announcement's full current reaction map via
// relay:announcement:reactions (§4.4, §9 resolved Open Question: the
// reaction map is always-current server state, independent of whether the
// reactor itself still has a live connection).
func (s *Server) routeAnnouncementReact(f frame.Frame) []string {
	var p frame.ChatReactPayload
	if err := f.DecodePayload(&p); err != nil || p.TargetMessageID == "" {
		return nil
	}
	reactions, ok := s.ring.react(p.TargetMessageID, f.From, p.Reaction)
	if !ok {
		return nil
	}

	env, err := frame.NewEnvelope(frame.EnvAnnouncementReactions, frame.AnnouncementReactionsPayload{
		MessageID: p.TargetMessageID,
		Reactions: reactions,
	})
	if err != nil {
		slog.Error("relay: encode announcement:reactions", "err", err)
		return nil
	}
	return s.broadcastEnvelope(env, "")
}
