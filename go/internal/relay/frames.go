package relay

import (
	"encoding/json"
	"fmt"
)

// Op identifies a relay frame.
type Op string

const (
	// OpRegister claims an identifier; an empty ID asks for a generated one.
	OpRegister Op = "register"
	// OpRegistered confirms a registration.
	OpRegistered Op = "registered"
	// OpConnect asks the relay to open Conn to Peer.
	OpConnect Op = "connect"
	// OpOpen tells both ends that Conn is open; Peer is the other end.
	OpOpen Op = "open"
	OpData Op = "data"
	OpClose Op = "close"
	OpError Op = "error"
)

// Error codes carried by OpError frames.
const (
	CodeUnavailableID   = "unavailable-id"
	CodePeerUnavailable = "peer-unavailable"
	CodeNotRegistered   = "not-registered"
	CodeBadFrame        = "bad-frame"
)

// Frame is the JSON message exchanged with the relay.
type Frame struct {
	Op   Op     `json:"op"`
	ID   string `json:"id,omitempty"`
	Conn string `json:"conn,omitempty"`
	Peer string `json:"peer,omitempty"`
	Code string `json:"code,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Marshal encodes the frame.
func (f Frame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Op, err)
	}
	return data, nil
}

// ParseFrame decodes a frame and checks that it has an op.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("frame has no op")
	}
	return f, nil
}

func errorFrame(code, conn string) Frame {
	return Frame{Op: OpError, Code: code, Conn: conn}
}
