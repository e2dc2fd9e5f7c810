package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownEvent = errors.New("unknown event")
)

// Frame is the JSON envelope exchanged over the socket.
// Inbound frames that carry an ID are answered with an ack frame echoing it.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *uint64         `json:"id,omitempty"`
}

// outboundFrame is Frame with an already-typed payload.
type outboundFrame struct {
	Event string  `json:"event"`
	Data  any     `json:"data,omitempty"`
	ID    *uint64 `json:"id,omitempty"`
}

// Encode serializes a named event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return data, nil
}

// EncodeAck serializes the reply to an inbound frame.
func EncodeAck(id *uint64, payload any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Event: EventAck, Data: payload, ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return data, nil
}

// ParseFrame decodes the envelope without interpreting its payload.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return &f, nil
}

// Decode parses a raw frame into a known inbound event.
func Decode(raw []byte) (Inbound, *Frame, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, nil, err
	}
	in, err := f.Inbound()
	if err != nil {
		return nil, f, err
	}
	return in, f, nil
}

// Inbound interprets the payload according to the event name.
func (f *Frame) Inbound() (Inbound, error) {
	switch f.Event {
	case EventAuthenticate:
		var msg Authenticate
		if err := decodeData(f.Data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventClaimCode:
		var msg ClaimCode
		if err := decodeData(f.Data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventPing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
