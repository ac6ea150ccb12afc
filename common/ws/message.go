package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a frame that was read but could not be decoded.
var ErrMalformed = errors.New("malformed message")

// Message is the shared WebSocket envelope exchanged between the server,
// student devices and teacher dashboards.
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Marshal marshals the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// ParseMessage decodes a raw frame into a Message.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// Message types sent by student devices.
const (
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeActivity  = "activity"
	MessageTypeSynced    = "synced"
	MessageTypeCompleted = "completed"
)

// Message types sent by the server.
const (
	MessageTypePong           = "pong"
	MessageTypeError          = "error"
	MessageTypeReceipt        = "receipt"
	MessageTypeSessionStarted = "session_started"
	MessageTypeSessionStopped = "session_stopped"
	MessageTypeDeviceStale    = "device_stale"
)

// DeviceReport is the payload of activity, synced and completed messages.
type DeviceReport struct {
	SessionID int64         `json:"session_id"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
	Result    *ResultReport `json:"result,omitempty"`
}

// ResultReport carries a student's score with a completed report.
type ResultReport struct {
	StudentID string  `json:"student_id"`
	Score     float64 `json:"score"`
}

// DecodeData re-decodes the loosely typed Data map into v.
func (m *Message) DecodeData(v interface{}) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", m.Type, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// NewMessage builds a Message whose Data is the JSON object form of payload.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	if err := json.Unmarshal(raw, &msg.Data); err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return msg, nil
}
