package frame

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType enumerates the Relay<->client control tags carried outside
// of relay:send/relay:deliver (§4.4).
type EnvelopeType string

const (
	EnvHello                  EnvelopeType = "relay:hello"
	EnvHelloOK                EnvelopeType = "relay:hello:ok"
	EnvHeartbeat              EnvelopeType = "relay:heartbeat"
	EnvPong                   EnvelopeType = "relay:pong"
	EnvUpdateProfile          EnvelopeType = "relay:updateProfile"
	EnvPresenceRequest        EnvelopeType = "relay:presence:request"
	EnvPresence               EnvelopeType = "relay:presence"
	EnvPresenceDelta          EnvelopeType = "relay:presence:delta"
	EnvSend                   EnvelopeType = "relay:send"
	EnvSendAck                EnvelopeType = "relay:send:ack"
	EnvDeliver                EnvelopeType = "relay:deliver"
	EnvAnnouncementSnapshot   EnvelopeType = "relay:announcement:snapshot"
	EnvAnnouncementExpired    EnvelopeType = "relay:announcement:expired"
	EnvAnnouncementReactions  EnvelopeType = "relay:announcement:reactions"
	EnvError                  EnvelopeType = "relay:error"
)

// Envelope is the outer Relay<->client message (§6).
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(typ EnvelopeType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Encode serializes the envelope to wire JSON.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses b into an Envelope. Unknown envelope types are not
// an error here — callers discard them (§7 Protocol policy).
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Decode unmarshals e.Payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// --- envelope payload schemas ---

type ProfilePayload struct {
	DeviceID       string `json:"deviceId"`
	DisplayName    string `json:"displayName"`
	AvatarEmoji    string `json:"avatarEmoji"`
	AvatarBg       string `json:"avatarBg"`
	StatusMessage  string `json:"statusMessage"`
	AppVersion     string `json:"appVersion"`
}

type HelloPayload struct {
	Profile ProfilePayload `json:"profile"`
}

type HelloOKPayload struct {
	DeviceID string `json:"deviceId"`
	Revision uint64 `json:"revision"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

type PongPayload struct {
	Timestamp int64 `json:"ts"`
}

// PresencePeer is one entry in a presence snapshot or delta.
type PresencePeer struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName"`
	AvatarEmoji   string `json:"avatarEmoji"`
	AvatarBg      string `json:"avatarBg"`
	StatusMessage string `json:"statusMessage"`
	AppVersion    string `json:"appVersion"`
	LastSeenAt    int64  `json:"lastSeenAt"`
}

type PresenceSnapshotPayload struct {
	Peers    []PresencePeer `json:"peers"`
	Revision uint64         `json:"revision"`
}

// DeltaOp is either an upsert or a removal of one presence entry.
type DeltaOp string

const (
	DeltaUpsert DeltaOp = "upsert"
	DeltaRemove DeltaOp = "remove"
)

type PresenceDeltaPayload struct {
	Op       DeltaOp       `json:"op"`
	Peer     *PresencePeer `json:"peer,omitempty"`
	DeviceID *string       `json:"deviceId,omitempty"`
	Revision uint64        `json:"revision"`
}

type SendPayload struct {
	Frame Frame `json:"frame"`
}

type SendAckPayload struct {
	FrameMessageID string   `json:"frameMessageId"`
	DeliveredTo    []string `json:"deliveredTo"`
}

type DeliverPayload struct {
	Frame Frame `json:"frame"`
}

// AnnouncementEntry is one ring entry plus its reactions, as carried in a
// snapshot.
type AnnouncementEntry struct {
	Frame     Frame             `json:"frame"`
	Reactions map[string]string `json:"reactions"` // deviceId -> emoji
}

type AnnouncementSnapshotPayload struct {
	Frames    []Frame                      `json:"frames"`
	Reactions map[string]map[string]string `json:"reactions"` // messageId -> deviceId -> emoji
}

type AnnouncementExpiredPayload struct {
	MessageIDs []string `json:"messageIds"`
}

type AnnouncementReactionsPayload struct {
	MessageID string            `json:"messageId"`
	Reactions map[string]string `json:"reactions"`
}

// ErrorCode enumerates soft-error codes sent via relay:error.
type ErrorCode string

const (
	ErrCodeNotReady    ErrorCode = "NOT_READY"
	ErrCodeBadFrame    ErrorCode = "BAD_FRAME"
	ErrCodeUnknownType ErrorCode = "UNKNOWN_TYPE"
)

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
