package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Event is a single channel event: the channel id followed by its payload
type Event []any

// NewEvent builds an event for a channel with the given payload
func NewEvent(channelID int, payload ...any) Event {
	ev := make(Event, 0, len(payload)+1)
	ev = append(ev, channelID)
	return append(ev, payload...)
}

// ChannelID returns the signed channel id carried in the first slot
func (e Event) ChannelID() int {
	if len(e) == 0 {
		return 0
	}
	id, ok := AsInt(e[0])
	if !ok {
		return 0
	}
	return id
}

// Payload returns everything after the channel id
func (e Event) Payload() []any {
	if len(e) < 2 {
		return nil
	}
	return e[1:]
}

// WithChannelID returns a copy of the event addressed to id
func (e Event) WithChannelID(id int) Event {
	out := make(Event, len(e))
	copy(out, e)
	if len(out) == 0 {
		return Event{id}
	}
	out[0] = id
	return out
}

// Stripped returns an event with the same channel id and no payload
func (e Event) Stripped() Event {
	return Event{e.ChannelID()}
}

// Stream is an ordered list of events and boolean control markers.
// A marker reports whether the server has at least one channel open.
type Stream []any

// UnmarshalJSON decodes a stream, turning nested arrays into Events
func (s *Stream) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := NormalizeStream(raw)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// NormalizeStream converts a decoded JSON array into a Stream
func NormalizeStream(raw []any) (Stream, error) {
	out := make(Stream, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case bool:
			out = append(out, v)
		case Event:
			out = append(out, v)
		case []any:
			if len(v) == 0 {
				return nil, fmt.Errorf("event %d: missing channel id", i)
			}
			if _, ok := AsInt(v[0]); !ok {
				return nil, fmt.Errorf("event %d: invalid channel id %v", i, v[0])
			}
			out = append(out, Event(v))
		default:
			return nil, fmt.Errorf("event %d: unexpected %T in event stream", i, item)
		}
	}
	return out, nil
}

// Plain converts events and streams into plain []any trees so they can be
// handed to encoders that only understand JSON-like values
func Plain(v any) any {
	switch t := v.(type) {
	case Event:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Plain(t[i])
		}
		return out
	case Stream:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Plain(t[i])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Plain(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Plain(item)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	default:
		return v
	}
}

// AsInt converts a decoded JSON number to an int
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
