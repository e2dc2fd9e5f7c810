package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by brokers used after Close.
var ErrClosed = errors.New("broker is closed")

// Known event keys. Everything else travels in Metadata.
const (
	KeyCode           = "code"
	KeyTimestamp      = "timestamp"
	KeyOriginServerID = "origin_server_id"
	KeyTargetUser     = "target_user"
)

// Event is a message carried on the bus. On the wire it is a flat JSON object:
// the known keys plus every Metadata entry.
type Event struct {
	Code           string
	Timestamp      int64 // unix milliseconds
	OriginServerID string
	TargetUser     string
	Metadata       map[string]any
}

// Fields returns the flattened form of the event.
func (e Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Metadata)+4)
	for k, v := range e.Metadata {
		out[k] = v
	}
	if e.Code != "" {
		out[KeyCode] = e.Code
	}
	if e.Timestamp != 0 {
		out[KeyTimestamp] = e.Timestamp
	}
	if e.OriginServerID != "" {
		out[KeyOriginServerID] = e.OriginServerID
	}
	if e.TargetUser != "" {
		out[KeyTargetUser] = e.TargetUser
	}
	return out
}

// Get returns a metadata value as a string, or "" when missing or not a string.
func (e Event) Get(key string) string {
	s, _ := e.Metadata[key].(string)
	return s
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("event must be a JSON object")
	}

	*e = Event{}
	if v, ok := fields[KeyCode]; ok {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("event %s must be a string", KeyCode)
		}
		e.Code = s
		delete(fields, KeyCode)
	}
	if v, ok := fields[KeyTimestamp]; ok {
		if n, ok := v.(json.Number); ok {
			if ts, err := n.Int64(); err == nil {
				e.Timestamp = ts
				delete(fields, KeyTimestamp)
			}
		}
	}
	if s, ok := fields[KeyOriginServerID].(string); ok {
		e.OriginServerID = s
		delete(fields, KeyOriginServerID)
	}
	if s, ok := fields[KeyTargetUser].(string); ok {
		e.TargetUser = s
		delete(fields, KeyTargetUser)
	}
	if len(fields) > 0 {
		e.Metadata = fields
	}
	return nil
}

// DecodeEvent parses a bus payload. A payload without a code is rejected.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Code == "" {
		return Event{}, fmt.Errorf("decode event: missing %s", KeyCode)
	}
	return evt, nil
}

// MessageBroker is a pub/sub transport between server instances.
type MessageBroker interface {
	// Publish sends an event to every subscriber of channel.
	Publish(ctx context.Context, channel string, evt Event) error
	// Subscribe delivers events published on channel until ctx is done.
	// The returned channel is closed when the subscription ends for any reason.
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Close() error
	// Type names the transport, e.g. "redis".
	Type() string
}
