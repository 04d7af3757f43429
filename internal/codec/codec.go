// Package codec turns program values and errors into channel events and back.
//
// Events take three shapes:
//
//	[id]                 no value
//	[id, value]          a value
//	[id, message, stack] an error raised by the other side
package codec

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/AltairaLabs/mobius/internal/protocol"
)

// RemoteError is an error that crossed the wire as an inert record
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// EncodeValue builds the event delivering v on channelID. A nil value
// produces the bare [id] form.
func EncodeValue(channelID int, v any) (protocol.Event, error) {
	if v == nil {
		return protocol.Event{channelID}, nil
	}
	normalized, err := normalizeEscaped(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value for channel %d: %w", channelID, err)
	}
	return protocol.Event{channelID, normalized}, nil
}

// EncodeError builds the event rejecting channelID with err
func EncodeError(channelID int, err error) protocol.Event {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return protocol.Event{channelID, remote.Message, remote.Stack}
	}
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	return protocol.Event{channelID, message, string(debug.Stack())}
}

// DecodeEvent recovers the value or error carried by an event
func DecodeEvent(ev protocol.Event) (any, error) {
	switch len(ev) {
	case 0, 1:
		return nil, nil
	case 2:
		return restore(ev[1]), nil
	default:
		message, _ := ev[1].(string)
		stack, _ := ev[2].(string)
		return nil, &RemoteError{Message: message, Stack: stack}
	}
}

// RoundTrip returns v as the other side would see it after decoding
func RoundTrip(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	normalized, err := normalizeEscaped(v)
	if err != nil {
		return nil, err
	}
	return restore(normalized), nil
}
