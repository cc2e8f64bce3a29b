package models

import (
	"encoding/json"
	"fmt"
)

// Message types carried in a Frame.
const (
	FrameConnected    = "connected"
	FrameNotification = "notification"
	FramePong         = "pong"
	FrameError        = "error"
)

// Frame is the envelope written to live client connections.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// NotificationMessage is the data of a "notification" frame. Durable messages
// carry the stored notification; volatile ones only an event id and content.
type NotificationMessage struct {
	Persisted    bool                 `json:"persisted"`
	Notification *Notification        `json:"notification,omitempty"`
	EventID      string               `json:"event_id,omitempty"`
	Category     NotificationCategory `json:"category,omitempty"`
	Title        string               `json:"title,omitempty"`
	Body         string               `json:"body,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
}

// Map converts the message into the generic object form used on the bus.
func (m NotificationMessage) Map() (map[string]any, error) {
	return ToMap(m)
}

// ToMap round-trips v through JSON so it can travel as an envelope's data object.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	return out, nil
}
