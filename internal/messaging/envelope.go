package messaging

import (
	"encoding/json"
	"fmt"
)

// RoomEnvelope wraps a server event for room fan-out. Exclude names a user
// whose sessions must not receive the event, so typing indicators skip the
// sender on every gateway.
type RoomEnvelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// EncodeRoomEnvelope wraps an already-encoded server event for publishing on
// a room subject.
func EncodeRoomEnvelope(exclude string, data []byte) ([]byte, error) {
	out, err := json.Marshal(RoomEnvelope{Exclude: exclude, Data: data})
	if err != nil {
		return nil, fmt.Errorf("messaging: encode room envelope: %w", err)
	}
	return out, nil
}

// DecodeRoomEnvelope unwraps a room subject payload.
func DecodeRoomEnvelope(raw []byte) (*RoomEnvelope, error) {
	var env RoomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("messaging: decode room envelope: %w", err)
	}
	return &env, nil
}
