// Package wire implements the framed message protocol spoken over each
// websocket connection. Every frame is a five element JSON array
// [join_ref, ref, topic, event, payload]; join_ref and ref are strings or
// null, payload is an arbitrary JSON value.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved event names. All other event names are application defined and
// pass through the hub unmodified.
const (
	EventJoin          = "phx_join"
	EventLeave         = "phx_leave"
	EventReply         = "phx_reply"
	EventHeartbeat     = "heartbeat"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrProtocol indicates a malformed frame. It is fatal to the connection
// that produced it.
var ErrProtocol = errors.New("protocol error")

// Message is one decoded frame.
//
// JoinRef correlates all traffic for one join lifetime on a topic; Ref
// correlates a single request with its reply. Empty string encodes as null
// on the wire.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Decode parses a frame, enforcing the five element arity.
func Decode(data []byte) (Message, error) {

	var parts []json.RawMessage

	if err := json.Unmarshal(data, &parts); err != nil {
		return Message{}, fmt.Errorf("%w: not a JSON array: %s", ErrProtocol, err.Error())
	}

	if len(parts) != 5 {
		return Message{}, fmt.Errorf("%w: expected 5 elements, got %d", ErrProtocol, len(parts))
	}

	var m Message

	if err := decodeRef(parts[0], &m.JoinRef); err != nil {
		return Message{}, fmt.Errorf("%w: bad join_ref: %s", ErrProtocol, err.Error())
	}
	if err := decodeRef(parts[1], &m.Ref); err != nil {
		return Message{}, fmt.Errorf("%w: bad ref: %s", ErrProtocol, err.Error())
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return Message{}, fmt.Errorf("%w: bad topic: %s", ErrProtocol, err.Error())
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return Message{}, fmt.Errorf("%w: bad event: %s", ErrProtocol, err.Error())
	}

	m.Payload = parts[4]

	return m, nil
}

// Encode renders a frame for the wire.
func (m Message) Encode() ([]byte, error) {

	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	parts := []interface{}{
		encodeRef(m.JoinRef),
		encodeRef(m.Ref),
		m.Topic,
		m.Event,
		payload,
	}

	return json.Marshal(parts)
}

func decodeRef(data json.RawMessage, ref *string) error {
	// null is the absent ref
	if string(data) == "null" {
		*ref = ""
		return nil
	}
	return json.Unmarshal(data, ref)
}

func encodeRef(ref string) interface{} {
	if ref == "" {
		return nil
	}
	return ref
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

// NewReply builds a phx_reply correlated to the message it answers.
func NewReply(to Message, status string, response interface{}) Message {

	payload, _ := json.Marshal(Reply{Status: status, Response: response})

	return Message{
		JoinRef: to.JoinRef,
		Ref:     to.Ref,
		Topic:   to.Topic,
		Event:   EventReply,
		Payload: payload,
	}
}

// ErrorReason is the response body of an error reply.
type ErrorReason struct {
	Reason string `json:"reason"`
}

// NewErrorReply builds a phx_reply with status error and a reason string.
func NewErrorReply(to Message, reason string) Message {
	return NewReply(to, StatusError, ErrorReason{Reason: reason})
}

// JoinPayload is the expected payload of a phx_join frame.
type JoinPayload struct {
	Token string `json:"token"`
}

// Meta is presence metadata for one client identity.
type Meta map[string]interface{}

// PresenceDiff is the payload of a presence_diff frame.
type PresenceDiff struct {
	Joins  map[string]Meta `json:"joins"`
	Leaves map[string]Meta `json:"leaves"`
}

// NewPresenceState builds the full roster frame sent to a newly joined
// connection. Server initiated frames carry the join_ref of the join they
// belong to.
func NewPresenceState(joinRef, topic string, roster map[string]Meta) Message {
	payload, _ := json.Marshal(roster)
	return Message{
		JoinRef: joinRef,
		Topic:   topic,
		Event:   EventPresenceState,
		Payload: payload,
	}
}

// NewPresenceDiff builds an incremental roster change frame.
func NewPresenceDiff(topic string, diff PresenceDiff) Message {
	if diff.Joins == nil {
		diff.Joins = map[string]Meta{}
	}
	if diff.Leaves == nil {
		diff.Leaves = map[string]Meta{}
	}
	payload, _ := json.Marshal(diff)
	return Message{
		Topic:   topic,
		Event:   EventPresenceDiff,
		Payload: payload,
	}
}
