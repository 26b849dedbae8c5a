package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingEvent indicates an envelope without an event name.
	ErrMissingEvent = errors.New("protocol: event name required")
	// ErrMissingData indicates an envelope whose payload is absent.
	ErrMissingData = errors.New("protocol: event data required")
)

// Envelope is the frame exchanged over the socket: one event name and its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under the given event name. A nil payload produces an empty data field.
func NewEnvelope(event string, payload any) (Envelope, error) {
	name := strings.TrimSpace(event)
	if name == "" {
		return Envelope{}, ErrMissingEvent
	}
	if payload == nil {
		return Envelope{Event: name}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Envelope{Event: name, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingData, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Event, err)
	}
	return nil
}

// DecodeUserID reads the join-room payload, which is a bare JSON string.
func (e Envelope) DecodeUserID() (string, error) {
	var userID string
	if err := e.Decode(&userID); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrMissingData)
	}
	return userID, nil
}
