// Package frame defines Lantern's wire-level application frames: the
// tagged records routed by the Relay between clients (chat text, file
// transfer steps, reactions, sync, announcements, typing).
//
// A Frame is transport-agnostic; it is carried inside a relayserver
// envelope's relay:send/relay:deliver payload. Encoding is UTF-8 JSON;
// unknown fields are ignored on decode and an unknown Type is reported via
// Known() rather than failing the decode, so a session can discard it
// without closing the connection.
package frame

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of application frame discriminators.
type Type string

const (
	TypeHello          Type = "hello"
	TypeChatText       Type = "chat:text"
	TypeChatAck        Type = "chat:ack"
	TypeChatReact      Type = "chat:react"
	TypeChatDelete     Type = "chat:delete"
	TypeChatClear      Type = "chat:clear"
	TypeChatForget     Type = "chat:forget"
	TypeChatSyncReq    Type = "chat:sync:request"
	TypeChatSyncResp   Type = "chat:sync:response"
	TypeAnnounce       Type = "announce"
	TypeFileOffer      Type = "file:offer"
	TypeFileChunk      Type = "file:chunk"
	TypeFileComplete   Type = "file:complete"
	TypeTyping         Type = "typing"
)

var knownTypes = map[Type]bool{
	TypeHello: true, TypeChatText: true, TypeChatAck: true, TypeChatReact: true,
	TypeChatDelete: true, TypeChatClear: true, TypeChatForget: true,
	TypeChatSyncReq: true, TypeChatSyncResp: true, TypeAnnounce: true,
	TypeFileOffer: true, TypeFileChunk: true, TypeFileComplete: true,
	TypeTyping: true,
}

// Known reports whether t is a recognized frame type. Callers must discard
// frames with an unknown type without closing the connection (§4.1).
func Known(t Type) bool {
	return knownTypes[t]
}

// Emoji is one of the six fixed reaction codes.
type Emoji string

const (
	EmojiThumbsUp   Emoji = "👍"
	EmojiThumbsDown Emoji = "👎"
	EmojiHeart      Emoji = "❤️"
	EmojiCry        Emoji = "😢"
	EmojiSmile      Emoji = "😊"
	EmojiLaugh      Emoji = "😂"
)

var validEmoji = map[Emoji]bool{
	EmojiThumbsUp: true, EmojiThumbsDown: true, EmojiHeart: true,
	EmojiCry: true, EmojiSmile: true, EmojiLaugh: true,
}

// ValidEmoji reports whether e is one of the six allowed reaction codes.
func ValidEmoji(e Emoji) bool { return validEmoji[e] }

// Frame is the application-level envelope payload (§4.1, §6).
type Frame struct {
	Type      Type            `json:"type"`
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
	To        *string         `json:"to"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Broadcast reports whether the frame targets every connected peer.
func (f Frame) Broadcast() bool { return f.To == nil }

// NewFrame builds a frame with a fresh uuid messageId and the given time,
// marshaling payload to json.RawMessage.
func NewFrame(typ Type, from string, to *string, payload any, now time.Time) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal frame payload: %w", err)
	}
	return Frame{
		Type:      typ,
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		CreatedAt: now.UnixMilli(),
		Payload:   raw,
	}, nil
}

// Decode parses b into a Frame. A malformed envelope is a Protocol error
// (§7) and is reported to the caller; the caller is responsible for not
// closing the connection over it.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Encode serializes the frame back to wire JSON.
func (f Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// --- payload schemas (§6) ---

type ChatTextPayload struct {
	Text string `json:"text"`
}

type ChatAckPayload struct {
	AckMessageID string `json:"ackMessageId"`
	Status       string `json:"status"`
}

type ChatReactPayload struct {
	TargetMessageID string `json:"targetMessageId"`
	Reaction        *Emoji `json:"reaction"`
}

type ChatDeletePayload struct {
	TargetMessageID string `json:"targetMessageId"`
}

type ChatClearPayload struct {
	Scope string `json:"scope"`
}

type ChatForgetPayload struct {
	Scope string `json:"scope"`
}

type ChatSyncRequestPayload struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

// SyncMessage is the persisted message row stripped of filePath and
// conversationId, per §6.
type SyncMessage struct {
	MessageID        string  `json:"messageId"`
	Direction        string  `json:"direction"`
	SenderDeviceID   string  `json:"senderDeviceId"`
	ReceiverDeviceID *string `json:"receiverDeviceId,omitempty"`
	Type             string  `json:"type"`
	BodyText         *string `json:"bodyText,omitempty"`
	FileID           *string `json:"fileId,omitempty"`
	FileName         *string `json:"fileName,omitempty"`
	FileSize         *int64  `json:"fileSize,omitempty"`
	FileSha256       *string `json:"fileSha256,omitempty"`
	Status           *string `json:"status,omitempty"`
	Reaction         *Emoji  `json:"reaction,omitempty"`
	DeletedAt        *int64  `json:"deletedAt,omitempty"`
	CreatedAt        int64   `json:"createdAt"`
}

type ChatSyncResponsePayload struct {
	Messages []SyncMessage `json:"messages"`
}

type AnnouncePayload struct {
	Text string `json:"text"`
}

type FileOfferPayload struct {
	FileID    string `json:"fileId"`
	MessageID string `json:"messageId"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256"`
}

type FileChunkPayload struct {
	FileID      string `json:"fileId"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	DataBase64  string `json:"dataBase64"`
}

type FileCompletePayload struct {
	FileID string `json:"fileId"`
}

type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// DecodePayload unmarshals f.Payload into out. Unknown fields in the JSON
// are ignored by the standard decoder, matching §4.1's tolerance rule.
func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
