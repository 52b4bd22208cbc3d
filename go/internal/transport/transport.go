// Package transport defines the peer transport the session layer runs on: a
// registry of named endpoints exposing ordered, reliable, message-oriented
// connections. NAT traversal and signaling live behind the implementations.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailableID is returned by Listen when the identifier is taken.
	ErrUnavailableID = errors.New("identifier already registered")
	// ErrPeerUnavailable is returned by Connect when nothing is registered
	// under the remote identifier.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrClosed is returned when using a closed connection or endpoint.
	ErrClosed = errors.New("transport closed")
)

// EventKind classifies endpoint events.
type EventKind int

const (
	EventOpen EventKind = iota
	EventData
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on an endpoint's event channel. Events for a single
// connection arrive in order. An EventError with a nil Conn means the
// endpoint itself failed.
type Event struct {
	Kind EventKind
	Conn Conn
	Data []byte
	Err  error
}

// Conn is one side of a connection between two endpoints.
type Conn interface {
	ID() string
	PeerID() string
	Send(data []byte) error
	Open() bool
	Close() error
}

// Endpoint is a registered (or anonymous) presence on the transport. Both
// sides of a new connection receive an EventOpen, including the dialer.
type Endpoint interface {
	ID() string
	Connect(ctx context.Context, remoteID string) (Conn, error)
	Events() <-chan Event
	Close() error
}

// Transport creates endpoints.
type Transport interface {
	// Listen registers an endpoint under id, failing with ErrUnavailableID
	// when another endpoint holds it.
	Listen(ctx context.Context, id string) (Endpoint, error)
	// Anonymous registers an endpoint under a generated identifier.
	Anonymous(ctx context.Context) (Endpoint, error)
}
