// Package memory is an in-process transport. Endpoints on the same Hub can
// connect to each other; it backs tests and single-machine demos.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/sprintgates/go/internal/transport"
)

const eventBuffer = 1024

// Hub is the shared registry of endpoints.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*endpoint)}
}

// Listen registers an endpoint under id.
func (h *Hub) Listen(ctx context.Context, id string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[id]; exists {
		return nil, fmt.Errorf("listen %s: %w", id, transport.ErrUnavailableID)
	}
	ep := newEndpoint(h, id)
	h.endpoints[id] = ep
	return ep, nil
}

// Anonymous registers an endpoint under a random identifier.
func (h *Hub) Anonymous(ctx context.Context) (transport.Endpoint, error) {
	return h.Listen(ctx, uuid.NewString())
}

// Abandon simulates an ungraceful shutdown: the registration stays in the
// registry but nothing behind it answers. Connections to an abandoned
// endpoint open, and closing one evicts the dead registration.
func (h *Hub) Abandon(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		ep.mu.Lock()
		ep.abandoned = true
		ep.mu.Unlock()
	}
}

// Registered reports whether id is present in the registry.
func (h *Hub) Registered(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.endpoints[id]
	return ok
}

func (h *Hub) lookup(id string) (*endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.endpoints[id]
	return ep, ok
}

func (h *Hub) remove(ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[ep.id] == ep {
		delete(h.endpoints, ep.id)
	}
}

type endpoint struct {
	hub    *Hub
	id     string
	events chan transport.Event
	done   chan struct{}

	mu        sync.Mutex
	conns     map[*conn]struct{}
	closed    bool
	abandoned bool
}

func newEndpoint(h *Hub, id string) *endpoint {
	return &endpoint{
		hub:    h,
		id:     id,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		conns:  make(map[*conn]struct{}),
	}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Events() <-chan transport.Event { return e.events }

func (e *endpoint) Connect(ctx context.Context, remoteID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, transport.ErrClosed
	}

	remote, ok := e.hub.lookup(remoteID)
	if !ok || remote.isClosed() {
		return nil, fmt.Errorf("connect %s: %w", remoteID, transport.ErrPeerUnavailable)
	}

	connID := uuid.NewString()
	local := &conn{id: connID, owner: e, peerID: remoteID, open: true}
	far := &conn{id: connID, owner: remote, peerID: e.id, open: true}
	local.peer, far.peer = far, local

	e.track(local)
	remote.track(far)

	remote.deliver(transport.Event{Kind: transport.EventOpen, Conn: far})
	e.deliver(transport.Event{Kind: transport.EventOpen, Conn: local})
	return local, nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	close(e.done)
	for _, c := range conns {
		c.Close()
	}
	e.hub.remove(e)
	return nil
}

func (e *endpoint) track(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c] = struct{}{}
}

func (e *endpoint) untrack(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c)
}

func (e *endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *endpoint) isAbandoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abandoned
}

func (e *endpoint) deliver(ev transport.Event) {
	if e.isAbandoned() {
		return
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

type conn struct {
	id     string
	owner  *endpoint
	peerID string
	peer   *conn

	mu   sync.Mutex
	open bool
}

func (c *conn) ID() string     { return c.id }
func (c *conn) PeerID() string { return c.peerID }

func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *conn) Send(data []byte) error {
	if !c.Open() || !c.peer.Open() {
		return transport.ErrClosed
	}
	buf := append([]byte(nil), data...)
	c.peer.owner.deliver(transport.Event{Kind: transport.EventData, Conn: c.peer, Data: buf})
	return nil
}

func (c *conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.peer.markClosed()

	c.owner.untrack(c)
	c.peer.owner.untrack(c.peer)

	c.owner.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
	c.peer.owner.deliver(transport.Event{Kind: transport.EventClose, Conn: c.peer})

	// a probe hanging up on a dead registration tears it down
	if c.peer.owner.isAbandoned() {
		c.peer.owner.hub.remove(c.peer.owner)
	}
	return nil
}

func (c *conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.open = false
	return true
}
