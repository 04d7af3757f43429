package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ReloadType tells a client how it must restart
type ReloadType int

const (
	// ReloadNone means no reload is requested
	ReloadNone ReloadType = 0
	// ReloadNewSession asks the client to start over with a fresh session
	ReloadNewSession ReloadType = 1
	// ReloadSameSession asks the client to reload but keep its session
	ReloadSameSession ReloadType = 2
)

// String returns a readable name for logs
func (r ReloadType) String() string {
	switch r {
	case ReloadNone:
		return "none"
	case ReloadNewSession:
		return "new-session"
	case ReloadSameSession:
		return "same-session"
	default:
		return "reload(" + strconv.Itoa(int(r)) + ")"
	}
}

// Message is the unit exchanged between a client and its session
type Message struct {
	MessageID int        `json:"messageID"`
	Events    Stream     `json:"events"`
	ClientID  int        `json:"clientID,omitempty"`
	Destroy   bool       `json:"destroy,omitempty"`
	Close     bool       `json:"close,omitempty"`
	Reload    ReloadType `json:"reload,omitempty"`
}

// ClientMessage identifies the sending session on requests from a client
type ClientMessage struct {
	Message
	SessionID string `json:"sessionID"`
}

// wireMessage mirrors Message but lets the id be absent
type wireMessage struct {
	MessageID *int       `json:"messageID,omitempty"`
	Events    Stream     `json:"events"`
	ClientID  int        `json:"clientID,omitempty"`
	Destroy   bool       `json:"destroy,omitempty"`
	Close     bool       `json:"close,omitempty"`
	Reload    ReloadType `json:"reload,omitempty"`
}

// SerializeMessage encodes a message as JSON text
func SerializeMessage(msg Message) (string, error) {
	events := msg.Events
	if events == nil {
		events = Stream{}
	}
	id := msg.MessageID
	data, err := json.Marshal(wireMessage{
		MessageID: &id,
		Events:    plainStream(events),
		ClientID:  msg.ClientID,
		Destroy:   msg.Destroy,
		Close:     msg.Close,
		Reload:    msg.Reload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}
	return string(data), nil
}

// SerializeMessageOmittingID encodes a message without its id; the receiver
// fills in the id it expects next
func SerializeMessageOmittingID(msg Message) (string, error) {
	events := msg.Events
	if events == nil {
		events = Stream{}
	}
	data, err := json.Marshal(wireMessage{
		Events:   plainStream(events),
		ClientID: msg.ClientID,
		Destroy:  msg.Destroy,
		Close:    msg.Close,
		Reload:   msg.Reload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}
	return string(data), nil
}

// DeserializeMessageFromText decodes JSON text, using defaultID when the
// message carries no id
func DeserializeMessageFromText(text string, defaultID int) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return Message{}, fmt.Errorf("failed to parse message: %w", err)
	}
	msg := Message{
		MessageID: defaultID,
		Events:    wire.Events,
		ClientID:  wire.ClientID,
		Destroy:   wire.Destroy,
		Close:     wire.Close,
		Reload:    wire.Reload,
	}
	if wire.MessageID != nil {
		msg.MessageID = *wire.MessageID
	}
	if msg.Events == nil {
		msg.Events = Stream{}
	}
	return msg, nil
}

// EncodeForm writes a client message in the query-string form used by
// POST bodies and socket URLs. Events are the JSON array without brackets.
func EncodeForm(msg ClientMessage) (string, error) {
	values := url.Values{}
	values.Set("sessionID", msg.SessionID)
	if msg.ClientID != 0 {
		values.Set("clientID", strconv.Itoa(msg.ClientID))
	}
	values.Set("messageID", strconv.Itoa(msg.MessageID))
	if msg.Destroy {
		values.Set("destroy", "1")
	}
	if len(msg.Events) > 0 {
		data, err := json.Marshal(plainStream(msg.Events))
		if err != nil {
			return "", fmt.Errorf("failed to encode events: %w", err)
		}
		text := string(data)
		values.Set("events", text[1:len(text)-1])
	}
	return values.Encode(), nil
}

// DecodeForm parses the query-string form of a client message
func DecodeForm(values url.Values) (ClientMessage, error) {
	msg := ClientMessage{SessionID: values.Get("sessionID")}
	if msg.SessionID == "" {
		return msg, fmt.Errorf("missing sessionID")
	}
	if raw := values.Get("clientID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return msg, fmt.Errorf("invalid clientID %q: %w", raw, err)
		}
		msg.ClientID = id
	}
	if raw := values.Get("messageID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return msg, fmt.Errorf("invalid messageID %q: %w", raw, err)
		}
		msg.MessageID = id
	}
	msg.Destroy = values.Get("destroy") != ""
	msg.Events = Stream{}
	if raw := strings.TrimSpace(values.Get("events")); raw != "" {
		if err := json.Unmarshal([]byte("["+raw+"]"), &msg.Events); err != nil {
			return msg, fmt.Errorf("invalid events: %w", err)
		}
	}
	return msg, nil
}

func plainStream(s Stream) Stream {
	out := make(Stream, len(s))
	for i := range s {
		out[i] = Plain(s[i])
	}
	return out
}
