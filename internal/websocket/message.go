package websocket

import (
	"encoding/json"
	"time"

	"glyph-sync-server/internal/domain"
)

type MessageType string

const (
	TypeSync      MessageType = "sync"
	TypeSyncReply MessageType = "sync_reply"
	TypeUpdate    MessageType = "update"
	TypeAwareness MessageType = "awareness"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SyncPayload carries a full replica state. Clients send it right after
// connecting; the room answers with its own state in a sync_reply.
type SyncPayload struct {
	ClientID string `json:"client_id"`
	State    []byte `json:"state"`
}

type UpdatePayload struct {
	ClientID string `json:"client_id"`
	Update   []byte `json:"update"`
}

// AwarenessPayload announces a client's presence. A nil State means the
// client left.
type AwarenessPayload struct {
	ClientID string                `json:"client_id"`
	State    *domain.PresenceState `json:"state"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, room string, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Room:      room,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
