// Package wsrelay is a transport.Transport that reaches other endpoints
// through the relay server over a single websocket per endpoint.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/sprintgates/go/internal/relay"
	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer  = 1024
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Transport dials the relay at URL, for example ws://localhost:8090/ws/peer.
type Transport struct {
	URL    string
	Dialer *websocket.Dialer
}

// New creates a relay transport.
func New(url string) *Transport {
	return &Transport{URL: url, Dialer: websocket.DefaultDialer}
}

// Listen registers id with the relay.
func (t *Transport) Listen(ctx context.Context, id string) (transport.Endpoint, error) {
	ws, _, err := t.Dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", t.URL, err)
	}

	assigned, err := register(ctx, ws, id)
	if err != nil {
		ws.Close()
		return nil, err
	}

	e := newEndpoint(assigned, ws)
	go e.writePump()
	go e.readPump()

	log.Debug().Str("transport_id", assigned).Msg("relay endpoint registered")
	return e, nil
}

// Anonymous registers an identifier chosen by the relay.
func (t *Transport) Anonymous(ctx context.Context) (transport.Endpoint, error) {
	return t.Listen(ctx, "")
}

func register(ctx context.Context, ws *websocket.Conn, id string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
		defer ws.SetReadDeadline(time.Time{})
	}

	if err := ws.WriteJSON(relay.Frame{Op: relay.OpRegister, ID: id}); err != nil {
		return "", fmt.Errorf("send register: %w", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read register reply: %w", err)
	}
	reply, err := relay.ParseFrame(data)
	if err != nil {
		return "", err
	}

	switch {
	case reply.Op == relay.OpRegistered:
		return reply.ID, nil
	case reply.Op == relay.OpError && reply.Code == relay.CodeUnavailableID:
		return "", fmt.Errorf("listen %s: %w", id, transport.ErrUnavailableID)
	default:
		return "", fmt.Errorf("unexpected register reply %s %s", reply.Op, reply.Code)
	}
}

type dialResult struct {
	conn *conn
	err  error
}

type endpoint struct {
	id     string
	ws     *websocket.Conn
	events chan transport.Event
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	conns   map[string]*conn
	pending map[string]chan dialResult
	closed  bool
}

func newEndpoint(id string, ws *websocket.Conn) *endpoint {
	return &endpoint{
		id:      id,
		ws:      ws,
		events:  make(chan transport.Event, eventBuffer),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		conns:   make(map[string]*conn),
		pending: make(map[string]chan dialResult),
	}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Events() <-chan transport.Event { return e.events }

func (e *endpoint) Connect(ctx context.Context, remoteID string) (transport.Conn, error) {
	connID := uuid.NewString()
	result := make(chan dialResult, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	e.pending[connID] = result
	e.mu.Unlock()

	if err := e.write(relay.Frame{Op: relay.OpConnect, Conn: connID, Peer: remoteID}); err != nil {
		e.dropPending(connID)
		return nil, err
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", remoteID, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		if e.dropPending(connID) {
			return nil, ctx.Err()
		}
		// the open raced the deadline
		r := <-result
		if r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	case <-e.done:
		return nil, transport.ErrClosed
	}
}

func (e *endpoint) dropPending(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[connID]; !ok {
		return false
	}
	delete(e.pending, connID)
	return true
}

func (e *endpoint) Close() error {
	e.shutdown()
	return nil
}

func (e *endpoint) shutdown() bool {
	first := false
	e.once.Do(func() {
		first = true

		e.mu.Lock()
		e.closed = true
		conns := make([]*conn, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.conns = make(map[string]*conn)
		e.mu.Unlock()

		close(e.done)
		for _, c := range conns {
			c.markClosed()
		}

		deadline := time.Now().Add(time.Second)
		e.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		e.ws.Close()
	})
	return first
}

func (e *endpoint) write(f relay.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	select {
	case e.send <- data:
		return nil
	case <-e.done:
		return transport.ErrClosed
	}
}

func (e *endpoint) deliver(ev transport.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *endpoint) writePump() {
	for {
		select {
		case <-e.done:
			return
		case message := <-e.send:
			e.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := e.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("transport_id", e.id).Msg("failed to write frame")
				e.fail(err)
				return
			}
		}
	}
}

func (e *endpoint) readPump() {
	for {
		_, data, err := e.ws.ReadMessage()
		if err != nil {
			e.fail(err)
			return
		}
		f, err := relay.ParseFrame(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping bad relay frame")
			continue
		}
		e.handleFrame(f)
	}
}

// fail tears the endpoint down after the relay connection broke, closing
// every conn and reporting an endpoint error.
func (e *endpoint) fail(err error) {
	e.mu.Lock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		if c.markClosed() {
			e.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
		}
	}

	events := e.events
	if e.shutdown() {
		select {
		case events <- transport.Event{Kind: transport.EventError, Err: fmt.Errorf("relay connection lost: %w", err)}:
		default:
		}
	}
}

func (e *endpoint) handleFrame(f relay.Frame) {
	switch f.Op {
	case relay.OpOpen:
		c := &conn{id: f.Conn, peerID: f.Peer, endpoint: e, open: true}

		e.mu.Lock()
		e.conns[f.Conn] = c
		result, dialed := e.pending[f.Conn]
		delete(e.pending, f.Conn)
		e.mu.Unlock()

		e.deliver(transport.Event{Kind: transport.EventOpen, Conn: c})
		if dialed {
			result <- dialResult{conn: c}
		}

	case relay.OpData:
		if c, ok := e.lookup(f.Conn); ok {
			e.deliver(transport.Event{Kind: transport.EventData, Conn: c, Data: f.Data})
		}

	case relay.OpClose:
		c, ok := e.lookup(f.Conn)
		if !ok {
			return
		}
		e.forget(f.Conn)
		if c.markClosed() {
			e.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
		}

	case relay.OpError:
		e.mu.Lock()
		result, dialed := e.pending[f.Conn]
		delete(e.pending, f.Conn)
		e.mu.Unlock()

		if dialed {
			result <- dialResult{err: errorFor(f.Code)}
			return
		}
		log.Warn().Str("code", f.Code).Str("conn_id", f.Conn).Msg("relay error")
	}
}

func (e *endpoint) lookup(connID string) (*conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[connID]
	return c, ok
}

func (e *endpoint) forget(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
}

func errorFor(code string) error {
	switch code {
	case relay.CodePeerUnavailable:
		return transport.ErrPeerUnavailable
	case relay.CodeUnavailableID:
		return transport.ErrUnavailableID
	default:
		return errors.New(code)
	}
}

type conn struct {
	id       string
	peerID   string
	endpoint *endpoint

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
	if !c.Open() {
		return transport.ErrClosed
	}
	return c.endpoint.write(relay.Frame{Op: relay.OpData, Conn: c.id, Data: data})
}

func (c *conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.endpoint.forget(c.id)
	c.endpoint.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
	return c.endpoint.write(relay.Frame{Op: relay.OpClose, Conn: c.id})
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
