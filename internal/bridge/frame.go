package bridge

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/codec"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

// Methods the host invokes on worker sessions
const (
	MethodCreateSession                 = "createSession"
	MethodProcessEvents                 = "processEvents"
	MethodSynchronizeChannels           = "synchronizeChannels"
	MethodScheduleSynchronize           = "scheduleSynchronize"
	MethodArchiveEvents                 = "archiveEvents"
	MethodUnarchiveEvents               = "unarchiveEvents"
	MethodRender                        = "render"
	MethodBootstrap                     = "bootstrap"
	MethodValueForFormField             = "valueForFormField"
	MethodHasLocalChannels              = "hasLocalChannels"
	MethodUpdateOpenServerChannelStatus = "updateOpenServerChannelStatus"
	MethodBecameActive                  = "becameActive"
	MethodDestroy                       = "destroy"
	MethodDestroyIfExhausted            = "destroyIfExhausted"
)

// Methods worker sessions invoke on the host
const (
	MethodSessionWasDestroyed = "sessionWasDestroyed"
	MethodSendEvent           = "sendEvent"
	MethodSetCookie           = "setCookie"
	MethodGetBaseURL          = "getBaseURL"
	MethodEnableSharing       = "enableSharing"
	MethodClientCount         = "clientCount"
)

// Kind identifies a frame
type Kind int

const (
	KindCommand Kind = iota
	KindResponse
	KindBroadcast
)

// Command is a call routed to a session. A zero CorrelationID expects no
// response.
type Command struct {
	SessionID     string
	Method        string
	CorrelationID int
	Args          []any
}

// Broadcast is a publish fanned out between processes
type Broadcast struct {
	Topic   string
	Payload any
}

// Frame is one decoded stream message
type Frame struct {
	Kind      Kind
	Command   Command
	Response  protocol.Event
	Broadcast Broadcast
}

func toList(items []any) (*structpb.ListValue, error) {
	plain := make([]any, len(items))
	for i, item := range items {
		plain[i] = protocol.Plain(item)
	}
	lv, err := structpb.NewList(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return lv, nil
}

// EncodeCommand builds a command frame
func EncodeCommand(c Command) (*structpb.ListValue, error) {
	items := []any{c.SessionID, c.Method, c.CorrelationID}
	for _, arg := range c.Args {
		normalized, err := codec.Normalize(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s argument: %w", c.Method, err)
		}
		items = append(items, normalized)
	}
	return toList(items)
}

// EncodeResponse builds the response to correlationID
func EncodeResponse(correlationID int, value any, err error) (*structpb.ListValue, error) {
	var ev protocol.Event
	if err == nil {
		ev, err = codec.EncodeValue(correlationID, value)
	}
	if err != nil {
		ev = codec.EncodeError(correlationID, err)
	}
	return toList(ev)
}

// EncodeBroadcast builds a broadcast frame
func EncodeBroadcast(topic string, payload any) (*structpb.ListValue, error) {
	return toList([]any{false, topic, payload})
}

// Decode classifies a frame by its first element
func Decode(lv *structpb.ListValue) (Frame, error) {
	items := lv.AsSlice()
	if len(items) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	switch head := items[0].(type) {
	case string:
		if len(items) < 3 {
			return Frame{}, fmt.Errorf("command frame too short")
		}
		method, ok := items[1].(string)
		if !ok {
			return Frame{}, fmt.Errorf("command method must be a string, got %T", items[1])
		}
		id, ok := protocol.AsInt(items[2])
		if !ok {
			return Frame{}, fmt.Errorf("invalid correlation id %v", items[2])
		}
		return Frame{Kind: KindCommand, Command: Command{
			SessionID:     head,
			Method:        method,
			CorrelationID: id,
			Args:          items[3:],
		}}, nil
	case bool:
		if head || len(items) < 2 {
			return Frame{}, fmt.Errorf("malformed broadcast frame")
		}
		topic, _ := items[1].(string)
		var payload any
		if len(items) > 2 {
			payload = items[2]
		}
		return Frame{Kind: KindBroadcast, Broadcast: Broadcast{Topic: topic, Payload: payload}}, nil
	case float64:
		if _, ok := protocol.AsInt(head); !ok {
			return Frame{}, fmt.Errorf("invalid correlation id %v", head)
		}
		return Frame{Kind: KindResponse, Response: protocol.Event(items)}, nil
	default:
		return Frame{}, fmt.Errorf("unexpected frame head %T", head)
	}
}

// Arg returns argument i, or nil when it is missing
func (c Command) Arg(i int) any {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return nil
}

// StringArg returns argument i as a string
func (c Command) StringArg(i int) string {
	s, _ := c.Arg(i).(string)
	return s
}

// BoolArg returns argument i as a bool
func (c Command) BoolArg(i int) bool {
	b, _ := c.Arg(i).(bool)
	return b
}

// StreamArg returns argument i as an event stream
func (c Command) StreamArg(i int) (protocol.Stream, error) {
	raw, ok := c.Arg(i).([]any)
	if !ok {
		if c.Arg(i) == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: argument %d is not a list", c.Method, i)
	}
	return protocol.NormalizeStream(raw)
}

// DecodeInto converts a decoded value into a typed struct
func DecodeInto(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
