package bus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// EnvelopeVersion is the only bus envelope version this build understands.
const EnvelopeVersion = 1

// ErrMalformed marks a bus message the subscriber refuses to route.
var ErrMalformed = errors.New("malformed bus envelope")

// Envelope is the cross-instance message. UserID carries the routing key: a
// user id on the notification topic, a game/room key on the channel topic.
type Envelope struct {
	Version     int            `json:"version"`
	UserID      string         `json:"user_id"`
	MessageType string         `json:"message_type"`
	Data        map[string]any `json:"data"`
}

func NewEnvelope(routingKey, messageType string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Version:     EnvelopeVersion,
		UserID:      routingKey,
		MessageType: messageType,
		Data:        data,
	}
}

func Encode(env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return json.Marshal(env)
}

// Decode parses and validates a raw bus payload. Messages with an empty
// routing key or message type, or whose data is not an object, are rejected.
func Decode(raw []byte) (Envelope, error) {
	var wire struct {
		Version     int             `json:"version"`
		UserID      string          `json:"user_id"`
		MessageType string          `json:"message_type"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if wire.Version != EnvelopeVersion {
		return Envelope{}, errors.Wrapf(ErrMalformed, "unsupported version %d", wire.Version)
	}
	if wire.UserID == "" {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing user_id")
	}
	if wire.MessageType == "" {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing message_type")
	}
	trimmed := bytes.TrimSpace(wire.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.Wrap(ErrMalformed, "data is not an object")
	}
	data := map[string]any{}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, fmt.Sprintf("data: %v", err))
	}
	return Envelope{
		Version:     wire.Version,
		UserID:      wire.UserID,
		MessageType: wire.MessageType,
		Data:        data,
	}, nil
}
