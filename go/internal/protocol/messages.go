package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/sprintgates/go/internal/models"
)

// ErrUnknownMessage is returned when an envelope carries an unrecognised type.
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType identifies a peer message.
type MessageType string

const (
	TypeHello     MessageType = "HELLO"
	TypePing      MessageType = "PING"
	TypePong      MessageType = "PONG"
	TypeTrigger   MessageType = "TRIGGER"
	TypeStateSync MessageType = "STATE_SYNC"
)

// Message is the envelope exchanged over a peer connection.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload identifies a device after a connection opens.
type HelloPayload struct {
	Name string `json:"name"`
}

// ProbePayload carries the sender's timestamp in unix ms, echoed unchanged by PONG.
type ProbePayload struct {
	TS int64 `json:"ts"`
}

// Hello builds a HELLO message.
func Hello(name string) Message {
	return mustMessage(TypeHello, HelloPayload{Name: name})
}

// Ping builds a PING message stamped with ts.
func Ping(ts int64) Message {
	return mustMessage(TypePing, ProbePayload{TS: ts})
}

// Pong echoes the timestamp of a PING.
func Pong(ts int64) Message {
	return mustMessage(TypePong, ProbePayload{TS: ts})
}

// Trigger builds a TRIGGER message.
func Trigger() Message {
	return Message{Type: TypeTrigger}
}

// StateSync wraps a timer snapshot.
func StateSync(snapshot models.TimerStateSnapshot) Message {
	if snapshot.Splits == nil {
		snapshot.Splits = []models.Split{}
	}
	return mustMessage(TypeStateSync, snapshot)
}

// Encode serialises a message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses an envelope and checks its type.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message envelope: %w", err)
	}
	switch msg.Type {
	case TypeHello, TypePing, TypePong, TypeTrigger, TypeStateSync:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// ParsePayload parses the message payload into the struct matching its type.
func ParsePayload(msg Message) (interface{}, error) {
	switch msg.Type {
	case TypeHello:
		var payload HelloPayload
		if err := unmarshalPayload(msg, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePing, TypePong:
		var payload ProbePayload
		if err := unmarshalPayload(msg, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeStateSync:
		var payload models.TimerStateSnapshot
		if err := unmarshalPayload(msg, &payload); err != nil {
			return nil, err
		}
		if !payload.State.Valid() {
			return nil, fmt.Errorf("invalid state %q in STATE_SYNC", payload.State)
		}
		return payload, nil

	case TypeTrigger:
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func unmarshalPayload(msg Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return nil
}

func mustMessage(t MessageType, payload interface{}) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// payloads are plain structs of strings and integers
		panic(fmt.Sprintf("marshal %s payload: %v", t, err))
	}
	return Message{Type: t, Payload: data}
}
